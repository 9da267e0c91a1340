package offload

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(t *testing.T) *crypto.Engine {
	t.Helper()
	engine, err := crypto.NewEngine(crypto.EngineConfig{
		KeyManager: crypto.NewKeyManager(crypto.KeyManagerConfig{Iterations: 1000}),
	})
	require.NoError(t, err)
	return engine
}

func engineFactory(engine *crypto.Engine) ExecutorFactory {
	return func() (Executor, error) { return engine, nil }
}

// gatedExecutor blocks every operation until the gate is closed and records
// what it was asked to do.
type gatedExecutor struct {
	engine  *crypto.Engine
	gate    chan struct{}
	started chan string

	mu        sync.Mutex
	salts     [][]byte
	materials []*crypto.DecryptedMaterial
}

func newGatedExecutor(engine *crypto.Engine) *gatedExecutor {
	return &gatedExecutor{
		engine:  engine,
		gate:    make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (g *gatedExecutor) hold(op string) {
	g.started <- op
	<-g.gate
}

func (g *gatedExecutor) Encrypt(pt crypto.Plaintext, schedule crypto.KeySchedule) (*crypto.EncryptedPackage, error) {
	g.mu.Lock()
	g.salts = append(g.salts, append([]byte(nil), schedule.Salt...))
	g.mu.Unlock()
	g.hold("encrypt")
	return g.engine.Encrypt(pt, schedule)
}

func (g *gatedExecutor) EncryptWithPassword(pt crypto.Plaintext, password string) (*crypto.EncryptedPackage, error) {
	g.hold("encrypt")
	return g.engine.EncryptWithPassword(pt, password)
}

func (g *gatedExecutor) Decrypt(pkg *crypto.EncryptedPackage, key crypto.SymmetricKey) (*crypto.DecryptedMaterial, error) {
	g.hold("decrypt")
	return g.record(g.engine.Decrypt(pkg, key))
}

func (g *gatedExecutor) DecryptWithPassword(pkg *crypto.EncryptedPackage, password string) (*crypto.DecryptedMaterial, error) {
	g.hold("decrypt")
	return g.record(g.engine.DecryptWithPassword(pkg, password))
}

func (g *gatedExecutor) record(m *crypto.DecryptedMaterial, err error) (*crypto.DecryptedMaterial, error) {
	if m != nil {
		g.mu.Lock()
		g.materials = append(g.materials, m)
		g.mu.Unlock()
	}
	return m, err
}

func (g *gatedExecutor) recordedMaterials() []*crypto.DecryptedMaterial {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*crypto.DecryptedMaterial(nil), g.materials...)
}

var errBrokenWorker = errors.New("worker cannot start")

func encryptFixture(t *testing.T, engine *crypto.Engine, data string) (*crypto.EncryptedPackage, crypto.SymmetricKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pkg, err := engine.Encrypt(crypto.Plaintext{Data: []byte(data), Filename: "f.txt", MIMEType: "text/plain"}, crypto.GeneratedSchedule(key))
	require.NoError(t, err)
	return pkg, key
}
