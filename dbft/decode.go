package dbft

import "fmt"

// DecodeInnerMessage dispatches on the leading MessageType byte and returns
// the decoded message as `any` (one of PrepareRequest, PrepareResponse,
// Commit, ChangeView, RecoveryRequest, RecoveryResponse) plus its type tag.
func DecodeInnerMessage(data []byte) (MessageType, any, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("dbft: inner message: empty")
	}
	msgType := MessageType(data[0])
	body := data[1:]
	switch msgType {
	case MsgPrepareRequest:
		m, used, err := DecodePrepareRequest(body)
		if err != nil {
			return 0, nil, err
		}
		if used != len(body) {
			return 0, nil, fmt.Errorf("dbft: prepare request: trailing bytes")
		}
		return msgType, m, nil
	case MsgPrepareResponse:
		m, err := DecodePrepareResponse(body)
		return msgType, m, err
	case MsgCommit:
		m, err := DecodeCommit(body)
		return msgType, m, err
	case MsgChangeView:
		m, err := DecodeChangeView(body)
		return msgType, m, err
	case MsgRecoveryRequest:
		m, err := DecodeRecoveryRequest(body)
		return msgType, m, err
	case MsgRecoveryResponse:
		m, err := DecodeRecoveryResponse(body)
		return msgType, m, err
	default:
		return 0, nil, fmt.Errorf("dbft: inner message: unknown type %d", msgType)
	}
}
