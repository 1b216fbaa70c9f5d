package oj

import "fmt"

// Result is the judge's numeric verdict for a submission. The wire values
// form a small closed enumeration; two aliased integers are normalized on
// ingress by ResultFromWire.
type Result int

const (
	ResultNone    Result = -10
	ResultCE      Result = -2
	ResultWA      Result = -1
	ResultAC      Result = 0
	ResultTLE     Result = 1
	ResultMLE     Result = 3
	ResultRE      Result = 4
	ResultSE      Result = 5
	ResultPending Result = 6
	ResultJudging Result = 7
	ResultPAC     Result = 8
)

// ResultFromWire converts a raw API value to a Result, folding the judge's
// aliases (-3 → MLE, 2 → TLE). Unknown values are rejected.
func ResultFromWire(v int) (Result, error) {
	switch v {
	case -3:
		return ResultMLE, nil
	case 2:
		return ResultTLE, nil
	}
	switch r := Result(v); r {
	case ResultNone, ResultCE, ResultWA, ResultAC, ResultTLE, ResultMLE,
		ResultRE, ResultSE, ResultPending, ResultJudging, ResultPAC:
		return r, nil
	}
	return 0, fmt.Errorf("oj: %d is not a valid or aliased result code", v)
}

// Judged reports whether the verdict is final (outside the pending/judging set).
func (r Result) Judged() bool {
	return r != ResultPending && r != ResultJudging
}

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "NONE"
	case ResultCE:
		return "CE"
	case ResultWA:
		return "WA"
	case ResultAC:
		return "AC"
	case ResultTLE:
		return "TLE"
	case ResultMLE:
		return "MLE"
	case ResultRE:
		return "RE"
	case ResultSE:
		return "SE"
	case ResultPending:
		return "PENDING"
	case ResultJudging:
		return "JUDGING"
	case ResultPAC:
		return "PAC"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}
