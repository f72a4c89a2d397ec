package engine

// Stage names, in evaluation order.
const (
	StageValidation   = "validation"
	StageAuthz        = "authz"
	StageConfirmation = "confirmation"
)
