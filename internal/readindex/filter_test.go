package readindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/flostore/internal/eventlog"
)

func event(stream, eventType string, data []byte) *EventRecord {
	return &EventRecord{EventStreamID: stream, EventType: eventType, Data: data, Flags: eventlog.FlagData | eventlog.FlagIsJSON}
}

func TestDefaultAllFilter(t *testing.T) {
	cases := map[string]bool{
		"orders-1":                                   true,
		"$settings":                                  true,
		"$$orders-1":                                 true,
		EpochInformationStream:                       false,
		"$persistentsubscription-$all::g-checkpoint": false,
		"$persistentsubscription-$all::g-parked":     false,
		"$persistentsubscription-$all::g-other":      true,
		"$persistentsubscription-orders::g-parked":   true,
	}
	for stream, want := range cases {
		require.Equal(t, want, DefaultAllFilter.IsEventAllowed(event(stream, "t", nil)), stream)
	}
}

func TestPrefixFilters(t *testing.T) {
	f := StreamIDPrefixFilter(false, "orders-", "users-")
	require.True(t, f.IsEventAllowed(event("orders-1", "t", nil)))
	require.True(t, f.IsEventAllowed(event("users-9", "t", nil)))
	require.False(t, f.IsEventAllowed(event("carts-1", "t", nil)))

	// On $all the default filter still applies.
	all := StreamIDPrefixFilter(true, "$")
	require.True(t, all.IsEventAllowed(event("$stats", "t", nil)))
	require.False(t, all.IsEventAllowed(event(EpochInformationStream, "t", nil)))

	types := EventTypePrefixFilter(false, "order-")
	require.True(t, types.IsEventAllowed(event("x", "order-placed", nil)))
	require.False(t, types.IsEventAllowed(event("x", "user-created", nil)))
}

func TestRegexFilters(t *testing.T) {
	f, err := StreamIDRegexFilter(false, `^orders-\d+$`)
	require.NoError(t, err)
	require.True(t, f.IsEventAllowed(event("orders-12", "t", nil)))
	require.False(t, f.IsEventAllowed(event("orders-x", "t", nil)))

	types, err := EventTypeRegexFilter(false, `placed|shipped`)
	require.NoError(t, err)
	require.True(t, types.IsEventAllowed(event("x", "order-shipped", nil)))

	_, err = StreamIDRegexFilter(false, `(`)
	require.Error(t, err)
}

func TestCELFilter(t *testing.T) {
	f, err := CELFilter(false, `stream.startsWith("orders-") && is_json && json.total >= 10.0`)
	require.NoError(t, err)
	require.True(t, f.IsEventAllowed(event("orders-1", "t", []byte(`{"total": 12}`))))
	require.False(t, f.IsEventAllowed(event("orders-1", "t", []byte(`{"total": 2}`))))
	require.False(t, f.IsEventAllowed(event("users-1", "t", []byte(`{"total": 99}`))))
	// A missing field is an evaluation error, which rejects.
	require.False(t, f.IsEventAllowed(event("orders-1", "t", []byte(`{}`))))

	sized, err := CELFilter(false, `size > 3 && number == 7`)
	require.NoError(t, err)
	e := event("s", "t", []byte(`{"a":1}`))
	e.EventNumber = 7
	require.True(t, sized.IsEventAllowed(e))

	empty, err := CELFilter(true, "  ")
	require.NoError(t, err)
	require.True(t, empty.IsEventAllowed(event("s", "t", nil)))
	require.False(t, empty.IsEventAllowed(event(EpochInformationStream, "t", nil)))

	_, err = CELFilter(false, `stream +`)
	require.Error(t, err)
	_, err = CELFilter(false, `unknown_var == 1`)
	require.Error(t, err)
}
