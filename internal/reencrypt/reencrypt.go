// Package reencrypt runs the background key-rotation job: records whose
// envelopes were written under an older key version are re-wrapped under the
// current one without downtime.
package reencrypt

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	mixcrypto "github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/store"
)

// Job walks envelope-bearing records and re-wraps stale ones. It is
// single-flight: overlapping cron fires skip.
type Job struct {
	store store.Store
	codec *mixcrypto.Codec
	keys  mixcrypto.KeyProvider
	log   *logrus.Entry

	cron    *cron.Cron
	entry   cron.EntryID
	mu      sync.Mutex
	running bool
}

// New creates the job.
func New(st store.Store, codec *mixcrypto.Codec, keys mixcrypto.KeyProvider, log *logrus.Entry) *Job {
	return &Job{store: st, codec: codec, keys: keys, log: log}
}

// Start schedules the job on the given cron spec (e.g. "@every 1h").
func (j *Job) Start(spec string) error {
	j.cron = cron.New()
	id, err := j.cron.AddFunc(spec, func() {
		if err := j.RunOnce(context.Background()); err != nil {
			j.log.WithError(err).Warn("re-encryption sweep failed")
		}
	})
	if err != nil {
		return err
	}
	j.entry = id
	j.cron.Start()
	j.log.WithField("schedule", spec).Info("re-encryption job scheduled")
	return nil
}

// Stop halts scheduling; a sweep in flight completes.
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// RunOnce performs one sweep. Records that fail to re-wrap are left at their
// old version and retried next sweep.
func (j *Job) RunOnce(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	current, err := j.keys.CurrentVersion(mixcrypto.DataUserMetadata)
	if err != nil {
		return err
	}
	if current == 0 {
		return nil // no rotation has happened yet
	}

	rewrapped := 0
	for {
		batch, err := j.store.ListRequestsBelowKeyVersion(ctx, current, 100)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		progressed := false
		for _, req := range batch {
			env, err := mixcrypto.UnmarshalEnvelope(req.EncryptedMetadata)
			if err != nil {
				j.log.WithError(err).WithField("request_id", req.ID).Error("malformed envelope")
				continue
			}
			fresh, err := j.codec.Reencrypt(env)
			if err != nil {
				j.log.WithError(err).WithField("request_id", req.ID).Error("re-encryption failed")
				continue
			}
			raw, err := fresh.Marshal()
			if err != nil {
				continue
			}
			req.EncryptedMetadata = raw
			req.KeyVersion = fresh.Version
			if err := j.store.UpdateRequest(ctx, req); err != nil {
				j.log.WithError(err).WithField("request_id", req.ID).Warn("persist re-encrypted record failed")
				continue
			}
			rewrapped++
			progressed = true
		}
		if !progressed {
			break // avoid spinning on a batch of permanently bad records
		}
	}
	if rewrapped > 0 {
		j.log.WithField("records", rewrapped).Info("envelopes re-wrapped")
	}
	return nil
}
