package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/offload"
)

const testBaseURL = "https://share.example.com"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newKeyManager(iterations uint32) *crypto.KeyManager {
	return crypto.NewKeyManager(crypto.KeyManagerConfig{Iterations: iterations})
}

// startRunner starts a worker pool over fresh engines sharing km.
func startRunner(t *testing.T, km *crypto.KeyManager) *offload.Runner {
	t.Helper()
	r := offload.NewRunner(offload.Config{Workers: 2},
		offload.EngineFactory(crypto.EngineConfig{KeyManager: km}), quietLogger(), nil)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

// eventLog collects observer events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states(dir Direction) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.Direction == dir {
			out = append(out, ev.To)
		}
	}
	return out
}

// recordingStore keeps everything it was handed so tests can prove no key
// or password reached it.
type recordingStore struct {
	blobstore.Store

	mu    sync.Mutex
	seen  [][]byte
	metas []codec.WireMetadata
	gets  int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		Store: blobstore.NewMemoryStore(blobstore.MemoryConfig{PublicBaseURL: testBaseURL}, quietLogger(), nil),
	}
}

func (s *recordingStore) Put(ctx context.Context, ciphertext []byte, metadata codec.WireMetadata) (blobstore.PutResult, error) {
	s.mu.Lock()
	s.seen = append(s.seen, append([]byte(nil), ciphertext...))
	s.metas = append(s.metas, metadata)
	s.mu.Unlock()
	return s.Store.Put(ctx, ciphertext, metadata)
}

func (s *recordingStore) Get(ctx context.Context, id string) (*blobstore.Object, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.Store.Get(ctx, id)
}

func (s *recordingStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// assertNeverSaw fails if any secret appears in stored bytes or metadata.
func (s *recordingStore) assertNeverSaw(t *testing.T, secrets ...[]byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range s.metas {
		data, err := json.Marshal(meta)
		require.NoError(t, err)
		s.seen = append(s.seen, data)
	}
	for _, blob := range s.seen {
		for _, secret := range secrets {
			if len(secret) > 0 && bytes.Contains(blob, secret) {
				t.Fatalf("store received secret material %q", secret)
			}
		}
	}
}

// gatedExecutor holds every decrypt until the gate opens.
type gatedExecutor struct {
	*crypto.Engine
	gate    chan struct{}
	started chan struct{}

	mu        sync.Mutex
	materials []*crypto.DecryptedMaterial
}

func newGatedExecutor(engine *crypto.Engine) *gatedExecutor {
	return &gatedExecutor{Engine: engine, gate: make(chan struct{}), started: make(chan struct{}, 4)}
}

func (g *gatedExecutor) Decrypt(pkg *crypto.EncryptedPackage, key crypto.SymmetricKey) (*crypto.DecryptedMaterial, error) {
	g.started <- struct{}{}
	<-g.gate
	m, err := g.Engine.Decrypt(pkg, key)
	if m != nil {
		g.mu.Lock()
		g.materials = append(g.materials, m)
		g.mu.Unlock()
	}
	return m, err
}

func (g *gatedExecutor) produced() []*crypto.DecryptedMaterial {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*crypto.DecryptedMaterial(nil), g.materials...)
}
