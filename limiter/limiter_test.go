package limiter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/message"
)

type tick struct{}

func TestAdmitPassesWithinQuotaAndReactsOverQuota(t *testing.T) {
	table := limiter.NewTable()
	require.NoError(t, limiter.Define[tick](table, 2, limiter.Drop()))

	d1 := table.Admit(message.TypeOf[tick]())
	d2 := table.Admit(message.TypeOf[tick]())
	d3 := table.Admit(message.TypeOf[tick]())

	assert.Equal(t, limiter.ActionPass, d1.Action)
	assert.Equal(t, limiter.ActionPass, d2.Action)
	assert.Equal(t, limiter.ActionDrop, d3.Action)
}

func TestReleaseFreesASlot(t *testing.T) {
	table := limiter.NewTable()
	require.NoError(t, limiter.Define[tick](table, 1, limiter.Drop()))

	require.Equal(t, limiter.ActionPass, table.Admit(message.TypeOf[tick]()).Action)
	assert.Equal(t, limiter.ActionDrop, table.Admit(message.TypeOf[tick]()).Action)

	table.Release(message.TypeOf[tick]())
	assert.Equal(t, limiter.ActionPass, table.Admit(message.TypeOf[tick]()).Action)
}

func TestDuplicateDefineFails(t *testing.T) {
	table := limiter.NewTable()
	require.NoError(t, limiter.Define[tick](table, 1, limiter.Drop()))
	require.Error(t, limiter.Define[tick](table, 2, limiter.Drop()))
}

func TestAnyUnspecifiedFallbackAppliesToUndefinedTypes(t *testing.T) {
	type other struct{}
	table := limiter.NewTable()
	table.DefineAnyUnspecified(1, limiter.Abort())

	assert.True(t, table.HasLimitFor(message.TypeOf[other]()))
	assert.Equal(t, limiter.ActionPass, table.Admit(message.TypeOf[other]()).Action)
	assert.Equal(t, limiter.ActionAbort, table.Admit(message.TypeOf[other]()).Action)
}

func TestNilTableAlwaysPasses(t *testing.T) {
	var table *limiter.Table
	assert.Equal(t, limiter.ActionPass, table.Admit(message.TypeOf[tick]()).Action)
	assert.False(t, table.AnyDefined())
	table.Release(message.TypeOf[tick]()) // must not panic
}

func TestAnyDefinedAndHasLimitFor(t *testing.T) {
	table := limiter.NewTable()
	assert.False(t, table.AnyDefined())

	require.NoError(t, limiter.Define[tick](table, 5, limiter.Drop()))
	assert.True(t, table.AnyDefined())
	assert.True(t, table.HasLimitFor(message.TypeOf[tick]()))

	type undefined struct{}
	assert.False(t, table.HasLimitFor(message.TypeOf[undefined]()))
}
