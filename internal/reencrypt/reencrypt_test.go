package reencrypt

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mixcrypto "github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/currency"
	"github.com/coinblend/mixcore/internal/keystore"
	"github.com/coinblend/mixcore/internal/model"
	"github.com/coinblend/mixcore/internal/store"
	"github.com/coinblend/mixcore/pkg/logger"
)

func seedRequest(t *testing.T, st *store.Memory, codec *mixcrypto.Codec, session string) *model.MixRequest {
	t.Helper()
	env, err := codec.Encrypt(mixcrypto.DataUserMetadata, []byte(`{"notes":"n"}`))
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)

	req := &model.MixRequest{
		SessionID:         session,
		Currency:          currency.BTC,
		Amount:            decimal.RequireFromString("0.5"),
		FeePercentage:     decimal.RequireFromString("0.5"),
		FeeAmount:         decimal.RequireFromString("0.0025"),
		OutputAmount:      decimal.RequireFromString("0.4975"),
		Status:            model.RequestStatusPending,
		EncryptedMetadata: raw,
		KeyVersion:        env.Version,
		ExpiresAt:         time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, st.CreateRequest(context.Background(), req))
	return req
}

func TestRunOnceRewrapsStaleEnvelopes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ks := keystore.NewInMemoryRandom()
	codec := mixcrypto.NewCodec(ks)
	job := New(st, codec, ks, logger.NewDefault("reencrypt-test").Component("reencrypt"))

	r1 := seedRequest(t, st, codec, "reencrypt-session-1")
	r2 := seedRequest(t, st, codec, "reencrypt-session-2")

	// Nothing to do before a rotation.
	require.NoError(t, job.RunOnce(ctx))
	fresh, err := st.GetRequest(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.KeyVersion)

	newVersion, err := ks.Rotate(ctx, mixcrypto.DataUserMetadata)
	require.NoError(t, err)

	require.NoError(t, job.RunOnce(ctx))

	for _, id := range []string{r1.ID, r2.ID} {
		fresh, err := st.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, newVersion, fresh.KeyVersion)

		env, err := mixcrypto.UnmarshalEnvelope(fresh.EncryptedMetadata)
		require.NoError(t, err)
		got, err := codec.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"notes":"n"}`), got)
	}
}

func TestRunOnceSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ks := keystore.NewInMemoryRandom()
	codec := mixcrypto.NewCodec(ks)
	job := New(st, codec, ks, logger.NewDefault("reencrypt-test").Component("reencrypt"))

	bad := seedRequest(t, st, codec, "reencrypt-session-3")
	fresh, err := st.GetRequest(ctx, bad.ID)
	require.NoError(t, err)
	fresh.EncryptedMetadata = []byte("not an envelope")
	require.NoError(t, st.UpdateRequest(ctx, fresh))

	_, err = ks.Rotate(ctx, mixcrypto.DataUserMetadata)
	require.NoError(t, err)

	// The sweep terminates despite the permanently bad record.
	require.NoError(t, job.RunOnce(ctx))

	fresh, err = st.GetRequest(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.KeyVersion)
}
