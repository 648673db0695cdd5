package common

//go:generate go run github.com/dmarkham/enumer -json -type Status -trimprefix Status

// Status of a federated search
type Status int

const (
	StatusDISPATCHED Status = iota
	StatusCOLLECTING
	StatusMERGED
	StatusDONE
	StatusPARTIAL
	StatusFAILED
)

// Terminal returns whether the status is a terminal state
func (s Status) Terminal() bool {
	switch s {
	case StatusDONE, StatusPARTIAL, StatusFAILED:
		return true
	}
	return false
}
