package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/ir"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/testutil"
)

func TestFingerprintDeterministic(t *testing.T) {
	a, err := Fingerprint("merge_pr", "org/repo#42", ir.Object{
		"sha":    ir.String("abc"),
		"checks": ir.Array{ir.String("lint"), ir.String("test")},
	})
	require.NoError(t, err)

	b, err := Fingerprint("  merge_pr ", "org/repo#42\n", ir.Object{
		"checks": ir.Array{ir.String("lint"), ir.String("test")},
		"sha":    ir.String("abc"),
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order and surrounding whitespace do not matter")
	assert.Len(t, a, 64)
}

func TestFingerprintDistinguishes(t *testing.T) {
	base, err := Fingerprint("merge_pr", "org/repo#42", ir.Object{})
	require.NoError(t, err)

	variants := []struct {
		name   string
		action string
		target string
		params ir.Object
	}{
		{"other action", "prod_deploy", "org/repo#42", ir.Object{}},
		{"other target", "merge_pr", "org/repo#43", ir.Object{}},
		{"with params", "merge_pr", "org/repo#42", ir.Object{"sha": ir.String("abc")}},
		{"array order", "merge_pr", "org/repo#42", ir.Object{"x": ir.Array{ir.Int(2), ir.Int(1)}}},
	}
	seen := map[string]string{base: "base"}
	for _, v := range variants {
		fp, err := Fingerprint(v.action, v.target, v.params)
		require.NoError(t, err, v.name)
		prev, dup := seen[fp]
		assert.False(t, dup, "%s collides with %s", v.name, prev)
		seen[fp] = v.name
	}
}

func TestFingerprintNilParamsEqualsEmpty(t *testing.T) {
	a, err := Fingerprint("merge_pr", "t", nil)
	require.NoError(t, err)
	b, err := Fingerprint("merge_pr", "t", ir.Object{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintNFC(t *testing.T) {
	a, err := Fingerprint("merge_pr", "caf\u00e9", nil)
	require.NoError(t, err)
	b, err := Fingerprint("merge_pr", "cafe\u0301", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintRequiresFields(t *testing.T) {
	_, err := Fingerprint("", "t", nil)
	assert.Error(t, err)
	_, err = Fingerprint("a", "  ", nil)
	assert.Error(t, err)
}

func TestKeyFoldsTemplateAndRequest(t *testing.T) {
	fp, err := Fingerprint("merge_pr", "org/repo#42", nil)
	require.NoError(t, err)

	k1, err := Key(fp, "", "req-1")
	require.NoError(t, err)
	kDefault, err := Key(fp, DefaultTemplateID, "req-1")
	require.NoError(t, err)
	kTemplate, err := Key(fp, "nightly", "req-1")
	require.NoError(t, err)
	kRequest, err := Key(fp, "", "req-2")
	require.NoError(t, err)

	assert.Equal(t, k1, kDefault)
	assert.NotEqual(t, k1, kTemplate)
	assert.NotEqual(t, k1, kRequest)
	assert.NotEqual(t, fp, k1)

	_, err = Key(fp, "", "")
	assert.Error(t, err)
}

func TestDeriveGeneratesRequestID(t *testing.T) {
	gen := testutil.NewSequenceIDGenerator("req")

	a, err := Derive("merge_pr", "t", nil, "", "", gen)
	require.NoError(t, err)
	b, err := Derive("merge_pr", "t", nil, "", "", gen)
	require.NoError(t, err)

	assert.Equal(t, "req-0001", a.RequestID)
	assert.Equal(t, "req-0002", b.RequestID)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Equal(t, DefaultTemplateID, a.TemplateID)

	c, err := Derive("merge_pr", "t", nil, "", "fixed", gen)
	require.NoError(t, err)
	d, err := Derive("merge_pr", "t", nil, "", "fixed", gen)
	require.NoError(t, err)
	assert.Equal(t, c, d)
}

func TestResolve(t *testing.T) {
	s := testutil.OpenStore(t)
	ctx := context.Background()

	id, err := Derive("merge_pr", "org/repo#42", nil, "", "req-1", nil)
	require.NoError(t, err)

	_, found, err := Resolve(ctx, s.Reader(), id.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, found)

	stored := ir.PolicyDecision{
		RequestID: id.RequestID, ActionType: id.ActionType, Fingerprint: id.Fingerprint,
		IdempotencyKey: id.IdempotencyKey, TemplateID: id.TemplateID, Target: id.Target,
		Actor: "bot", Params: ir.Object{}, Outcome: ir.OutcomeAllowed, Reason: ir.ReasonAllowed,
		Snapshot: ir.Object{}, DecidedAt: testutil.Epoch, PrevHash: ir.GenesisHash, RecordHash: "r1",
	}
	require.NoError(t, s.RunInTx(ctx, "seed", func(tx *store.Tx) error {
		var err error
		stored.ID, err = tx.InsertDecision(ctx, stored)
		return err
	}))

	got, found, err := Resolve(ctx, s.Reader(), id.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, stored, *got)
}
