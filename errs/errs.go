// Package errs defines the closed set of runtime error kinds raised by the
// coopkit concurrency kernel. Every kind corresponds to an invariant
// violation documented in the kernel's design: handler-lookup failures,
// illegal mailbox usage, dispatcher shutdown races, and so on. Application
// code should compare against these with errors.Is, never by matching
// error strings.
package errs

import "fmt"

// Rc is one of the closed set of runtime condition codes.
type Rc int

const (
	RcUnknown Rc = iota

	RcEmptyName
	RcNamedDispNotFound
	RcDispTypeMismatch
	RcDispCreateFailed
	RcIllegalSubscriberForMpscMbox
	RcMutableMsgCannotBeDeliveredViaMpmcMbox
	RcMessageHasNoLimitDefined
	RcSeveralLimitsForOneMessageType
	RcDeliveryFilterCannotBeUsedOnMpscMbox
	RcStateNestingIsTooDeep
	RcAnotherStateSwitchInProgress
	RcNegativeValueForPause
	RcNegativeValueForPeriod
	RcPriorityQuoteIllegalValue
	RcCannotSetStopGuardWhenStopIsStarted
	RcAutoshutdownMustBeEnabled
	RcDispBinderAlreadySetForAgent
	RcNoDispBinderForAgent
	RcUnableToJoinThreadByItself

	// RcStopAlreadyInProgress names the "stop already in progress" condition
	// (§4.11). No call in this module returns it: env.SetStopGuard has a
	// single mode and reports RcCannotSetStopGuardWhenStopIsStarted.
	RcStopAlreadyInProgress

	// RcAgentDeactivated surfaces attempts to touch subscriptions or state of
	// an agent that already called so_deactivate_agent (§4.8).
	RcAgentDeactivated

	// RcMutationFromThreadSafeHandler is the observable error a thread-safe
	// handler gets instead of silent corruption when it tries to mutate
	// agent state or subscriptions (§4.4).
	RcMutationFromThreadSafeHandler
)

var names = map[Rc]string{
	RcUnknown:                                 "rc_unknown",
	RcEmptyName:                               "rc_empty_name",
	RcNamedDispNotFound:                       "rc_named_disp_not_found",
	RcDispTypeMismatch:                        "rc_disp_type_mismatch",
	RcDispCreateFailed:                        "rc_disp_create_failed",
	RcIllegalSubscriberForMpscMbox:            "rc_illegal_subscriber_for_mpsc_mbox",
	RcMutableMsgCannotBeDeliveredViaMpmcMbox:  "rc_mutable_msg_cannot_be_delivered_via_mpmc_mbox",
	RcMessageHasNoLimitDefined:                "rc_message_has_no_limit_defined",
	RcSeveralLimitsForOneMessageType:          "rc_several_limits_for_one_message_type",
	RcDeliveryFilterCannotBeUsedOnMpscMbox:    "rc_delivery_filter_cannot_be_used_on_mpsc_mbox",
	RcStateNestingIsTooDeep:                   "rc_state_nesting_is_too_deep",
	RcAnotherStateSwitchInProgress:            "rc_another_state_switch_in_progress",
	RcNegativeValueForPause:                   "rc_negative_value_for_pause",
	RcNegativeValueForPeriod:                  "rc_negative_value_for_period",
	RcPriorityQuoteIllegalValue:               "rc_priority_quote_illegal_value",
	RcCannotSetStopGuardWhenStopIsStarted:     "rc_cannot_set_stop_guard_when_stop_is_started",
	RcAutoshutdownMustBeEnabled:               "rc_autoshutdown_must_be_enabled",
	RcDispBinderAlreadySetForAgent:            "rc_disp_binder_already_set_for_agent",
	RcNoDispBinderForAgent:                    "rc_no_disp_binder_for_agent",
	RcUnableToJoinThreadByItself:              "rc_unable_to_join_thread_by_itself",
	RcStopAlreadyInProgress:                   "stop_already_in_progress",
	RcAgentDeactivated:                        "rc_agent_deactivated",
	RcMutationFromThreadSafeHandler:           "rc_mutation_from_thread_safe_handler",
}

func (rc Rc) String() string {
	if s, ok := names[rc]; ok {
		return s
	}
	return "rc_unknown"
}

// Error is the concrete error type returned by the kernel. Wrap additional
// context with fmt.Errorf("...: %w", err) at call sites; Is/As continue to
// work against the wrapped chain.
type Error struct {
	Rc      Rc
	Context string
	Err     error
}

func New(rc Rc, context string) *Error {
	return &Error{Rc: rc, Context: context}
}

func Wrap(rc Rc, context string, err error) *Error {
	return &Error{Rc: rc, Context: context, Err: err}
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Rc.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Rc, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Rc, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(errs.RcFoo, "")) style matching by Rc.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Rc == e.Rc
}

// Of reports the Rc carried by err, if any, walking the wrap chain.
func Of(err error) (Rc, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Rc, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return RcUnknown, false
}
