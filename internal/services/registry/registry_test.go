package registry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xrpscope/xrpscope/internal/domain"
)

type stubSource struct {
	pairs []domain.Pair
	err   error
}

func (s *stubSource) LoadTrackedPairs(_ context.Context) ([]domain.Pair, error) {
	return s.pairs, s.err
}

var (
	xrp = domain.Currency{Code: domain.XRPCode}
	usd = domain.Currency{Code: "USD", Issuer: "rIssuer"}
	eur = domain.Currency{Code: "EUR", Issuer: "rIssuer"}
)

func TestReloadReplacesSnapshot(t *testing.T) {
	source := &stubSource{pairs: []domain.Pair{{TakerGets: usd, TakerPays: xrp}}}
	reg := New(zap.NewNop(), source)

	pairs, err := reg.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.True(t, reg.Tracked(usd, xrp))

	source.pairs = []domain.Pair{{TakerGets: eur, TakerPays: xrp}}
	_, err = reg.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, reg.Tracked(usd, xrp))
	require.True(t, reg.Tracked(eur, xrp))
}

func TestReloadFailureKeepsOldSnapshot(t *testing.T) {
	source := &stubSource{pairs: []domain.Pair{{TakerGets: usd, TakerPays: xrp}}}
	reg := New(zap.NewNop(), source)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	source.err = errors.New("db gone")
	_, err = reg.Reload(context.Background())
	require.Error(t, err)
	require.True(t, reg.Tracked(usd, xrp))
	require.Len(t, reg.Snapshot(), 1)
}

func TestTrackedMatchesEitherOrientation(t *testing.T) {
	source := &stubSource{pairs: []domain.Pair{{TakerGets: usd, TakerPays: xrp}}}
	reg := New(zap.NewNop(), source)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	require.True(t, reg.Tracked(usd, xrp))
	require.True(t, reg.Tracked(xrp, usd))
	require.False(t, reg.Tracked(eur, xrp))

	// Same code under a different issuer is a different pair.
	require.False(t, reg.Tracked(domain.Currency{Code: "USD", Issuer: "rOther"}, xrp))
}

func TestEmptyRegistryTracksNothing(t *testing.T) {
	reg := New(zap.NewNop(), &stubSource{})
	require.False(t, reg.Tracked(usd, xrp))
	require.Empty(t, reg.Snapshot())
}
