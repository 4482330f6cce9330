package readindex

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// EventFilter selects events for $all reads.
type EventFilter interface {
	IsEventAllowed(e *EventRecord) bool
	String() string
}

const persistentSubscriptionAllPrefix = "$persistentsubscription-$all::"

type defaultAllFilter struct{}

// DefaultAllFilter hides engine-internal streams from $all reads. User streams
// and the remaining system streams pass.
var DefaultAllFilter EventFilter = defaultAllFilter{}

func (defaultAllFilter) IsEventAllowed(e *EventRecord) bool {
	s := e.EventStreamID
	if !strings.HasPrefix(s, "$") {
		return true
	}
	if s == EpochInformationStream {
		return false
	}
	if strings.HasPrefix(s, persistentSubscriptionAllPrefix) &&
		(strings.HasSuffix(s, "-checkpoint") || strings.HasSuffix(s, "-parked")) {
		return false
	}
	return true
}

func (defaultAllFilter) String() string { return "DefaultAllFilter" }

type defaultStreamFilter struct{}

// DefaultStreamFilter allows every event.
var DefaultStreamFilter EventFilter = defaultStreamFilter{}

func (defaultStreamFilter) IsEventAllowed(*EventRecord) bool { return true }
func (defaultStreamFilter) String() string                  { return "DefaultStreamFilter" }

type prefixFilter struct {
	field    string
	prefixes []string
	get      func(*EventRecord) string
}

func (f prefixFilter) IsEventAllowed(e *EventRecord) bool {
	v := f.get(e)
	for _, p := range f.prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

func (f prefixFilter) String() string {
	return f.field + "PrefixFilter(" + strings.Join(f.prefixes, ",") + ")"
}

type regexFilter struct {
	field string
	re    *regexp.Regexp
	get   func(*EventRecord) string
}

func (f regexFilter) IsEventAllowed(e *EventRecord) bool { return f.re.MatchString(f.get(e)) }
func (f regexFilter) String() string                     { return f.field + "RegexFilter(" + f.re.String() + ")" }

// andFilter passes when both filters pass.
type andFilter struct{ a, b EventFilter }

func (f andFilter) IsEventAllowed(e *EventRecord) bool {
	return f.a.IsEventAllowed(e) && f.b.IsEventAllowed(e)
}

func (f andFilter) String() string { return f.a.String() + "&&" + f.b.String() }

func streamIDOf(e *EventRecord) string  { return e.EventStreamID }
func eventTypeOf(e *EventRecord) string { return e.EventType }

func withDefaultAll(f EventFilter, isAllStream bool) EventFilter {
	if !isAllStream {
		return f
	}
	return andFilter{DefaultAllFilter, f}
}

// StreamIDPrefixFilter allows events whose stream starts with one of prefixes.
// Reading $all also applies DefaultAllFilter.
func StreamIDPrefixFilter(isAllStream bool, prefixes ...string) EventFilter {
	return withDefaultAll(prefixFilter{field: "StreamId", prefixes: prefixes, get: streamIDOf}, isAllStream)
}

// EventTypePrefixFilter allows events whose type starts with one of prefixes.
func EventTypePrefixFilter(isAllStream bool, prefixes ...string) EventFilter {
	return withDefaultAll(prefixFilter{field: "EventType", prefixes: prefixes, get: eventTypeOf}, isAllStream)
}

// StreamIDRegexFilter allows events whose stream matches expr.
func StreamIDRegexFilter(isAllStream bool, expr string) (EventFilter, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrap(err, "compile stream id filter")
	}
	return withDefaultAll(regexFilter{field: "StreamId", re: re, get: streamIDOf}, isAllStream), nil
}

// EventTypeRegexFilter allows events whose type matches expr.
func EventTypeRegexFilter(isAllStream bool, expr string) (EventFilter, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrap(err, "compile event type filter")
	}
	return withDefaultAll(regexFilter{field: "EventType", re: re, get: eventTypeOf}, isAllStream), nil
}

// celFilter evaluates a compiled CEL expression per event. Evaluation errors
// and non-boolean results reject the event.
type celFilter struct {
	expr string
	prog cel.Program
}

// CELFilter compiles expr against the variables stream, type, number, size,
// json and is_json. An empty expression allows everything.
func CELFilter(isAllStream bool, expr string) (EventFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return withDefaultAll(DefaultStreamFilter, isAllStream), nil
	}
	env, err := cel.NewEnv(
		cel.Variable("stream", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("number", cel.IntType),
		cel.Variable("size", cel.IntType),
		// Parsed JSON payload, null when the event is not JSON.
		cel.Variable("json", cel.DynType),
		cel.Variable("is_json", cel.BoolType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "cel env")
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrap(iss.Err(), "parse cel filter")
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, errors.Wrap(iss2.Err(), "check cel filter")
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, errors.Wrap(err, "cel program")
	}
	return withDefaultAll(celFilter{expr: expr, prog: prog}, isAllStream), nil
}

func (f celFilter) IsEventAllowed(e *EventRecord) bool {
	var doc any
	if e.IsJSON() {
		_ = json.Unmarshal(e.Data, &doc)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"stream":  e.EventStreamID,
		"type":    e.EventType,
		"number":  e.EventNumber,
		"size":    int64(len(e.Data)),
		"json":    doc,
		"is_json": e.IsJSON(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f celFilter) String() string { return "CELFilter(" + f.expr + ")" }
