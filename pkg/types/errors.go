package types

import (
	"errors"
	"fmt"
)

// ErrorKind は、パイプラインで発生するエラーの種別です。
type ErrorKind string

const (
	KindFetchTimeout          ErrorKind = "FetchTimeout"
	KindFetchTransport        ErrorKind = "FetchTransportError"
	KindRuleCompile           ErrorKind = "RuleCompileError"
	KindRuleMissingEntryPoint ErrorKind = "RuleMissingEntryPoint"
	KindRuleRuntime           ErrorKind = "RuleRuntimeError"
	KindRuleTimeout           ErrorKind = "RuleTimeoutError"
	KindNoRuleDefined         ErrorKind = "NoRuleDefined"

	// KindUnknown は、PipelineError 以外のエラーに割り当てられます。
	KindUnknown ErrorKind = "Unknown"
)

// PipelineError は、種別付きのエラーです。原因となったエラーをラップします。
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError は、指定した種別で err をラップした PipelineError を生成します。
func NewError(kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}

// KindOf は、エラーチェーン中の PipelineError の種別を返します。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind は、err が指定した種別の PipelineError かどうかを判定します。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
