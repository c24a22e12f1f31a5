package domain

// Outcome 是提交处理的结果分类
type Outcome int

const (
	OutcomeEmailSent Outcome = iota + 1
	OutcomeEmptySubmission
	OutcomeConfirmationSent
	OutcomeConfirmationDuplicated
	OutcomeOverLimit
	OutcomeReplyToError
	OutcomeInternalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmailSent:
		return "email_sent"
	case OutcomeEmptySubmission:
		return "empty_submission"
	case OutcomeConfirmationSent:
		return "confirmation_sent"
	case OutcomeConfirmationDuplicated:
		return "confirmation_duplicated"
	case OutcomeOverLimit:
		return "over_limit"
	case OutcomeReplyToError:
		return "replyto_error"
	case OutcomeInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}
