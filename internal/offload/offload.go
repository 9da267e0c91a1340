// Package offload runs encryption and decryption on worker goroutines so that
// orchestration code never blocks on large-file crypto.
//
// Each worker owns its own Executor. Callers exchange tagged Request and
// Reply messages with the workers through a correlation id; a caller that
// loses interest discards its handle and any late reply for that id is
// dropped without side effects.
package offload

import (
	"fmt"

	"github.com/kenneth/zk-share/internal/crypto"
)

// Executor performs the crypto work. *crypto.Engine implements it.
type Executor interface {
	Encrypt(pt crypto.Plaintext, schedule crypto.KeySchedule) (*crypto.EncryptedPackage, error)
	EncryptWithPassword(pt crypto.Plaintext, password string) (*crypto.EncryptedPackage, error)
	Decrypt(pkg *crypto.EncryptedPackage, key crypto.SymmetricKey) (*crypto.DecryptedMaterial, error)
	DecryptWithPassword(pkg *crypto.EncryptedPackage, password string) (*crypto.DecryptedMaterial, error)
}

// ExecutorFactory builds the Executor owned by one worker.
type ExecutorFactory func() (Executor, error)

// Kind tags a request.
type Kind int

const (
	KindEncrypt Kind = iota + 1
	KindDecrypt
)

func (k Kind) String() string {
	switch k {
	case KindEncrypt:
		return "encrypt"
	case KindDecrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// EncryptJob encrypts Plaintext. When Password is set the worker derives the
// key itself with a fresh salt and Schedule is ignored.
type EncryptJob struct {
	Plaintext crypto.Plaintext
	Schedule  crypto.KeySchedule
	Password  string
}

// DecryptJob decrypts Package with Key, or with Password when it is set.
type DecryptJob struct {
	Package  *crypto.EncryptedPackage
	Key      crypto.SymmetricKey
	Password string
}

// Request is the message sent to a worker. Exactly one job is set,
// matching Kind.
type Request struct {
	ID      string
	Kind    Kind
	Encrypt *EncryptJob
	Decrypt *DecryptJob
}

// NewEncryptRequest builds an encrypt request. The ID is assigned on dispatch.
func NewEncryptRequest(job EncryptJob) Request {
	return Request{Kind: KindEncrypt, Encrypt: &job}
}

// NewDecryptRequest builds a decrypt request. The ID is assigned on dispatch.
func NewDecryptRequest(job DecryptJob) Request {
	return Request{Kind: KindDecrypt, Decrypt: &job}
}

func (r Request) validate() error {
	switch r.Kind {
	case KindEncrypt:
		if r.Encrypt == nil || r.Decrypt != nil {
			return fmt.Errorf("offload: encrypt request must carry only an encrypt job")
		}
	case KindDecrypt:
		if r.Decrypt == nil || r.Encrypt != nil {
			return fmt.Errorf("offload: decrypt request must carry only a decrypt job")
		}
		if r.Decrypt.Package == nil {
			return fmt.Errorf("offload: decrypt request without package")
		}
	default:
		return fmt.Errorf("offload: unknown request kind %v", r.Kind)
	}
	return nil
}

// isolate copies the key material so the worker owns it exclusively.
func (r Request) isolate() Request {
	switch r.Kind {
	case KindEncrypt:
		job := *r.Encrypt
		job.Schedule = job.Schedule.Clone()
		r.Encrypt = &job
	case KindDecrypt:
		job := *r.Decrypt
		r.Decrypt = &job
	}
	return r
}

// wipe zeroes the worker's copy of the key material.
func (r Request) wipe() {
	switch {
	case r.Encrypt != nil:
		r.Encrypt.Schedule.Zero()
	case r.Decrypt != nil:
		r.Decrypt.Key.Zero()
	}
}

// Reply is a worker's answer. Exactly one of Package, Material or Err is set.
type Reply struct {
	ID       string
	Kind     Kind
	Package  *crypto.EncryptedPackage
	Material *crypto.DecryptedMaterial
	Err      error
}

// OK reports whether the reply is a success.
func (r Reply) OK() bool {
	return r.Err == nil
}

// release frees any material carried by a reply nobody will consume.
func (r Reply) release() {
	r.Material.Release()
}

// execute runs one request on exec. It is the body of a worker and of the
// synchronous fallback.
func execute(exec Executor, req Request) Reply {
	reply := Reply{ID: req.ID, Kind: req.Kind}
	defer req.wipe()

	switch req.Kind {
	case KindEncrypt:
		job := req.Encrypt
		if job.Password != "" {
			reply.Package, reply.Err = exec.EncryptWithPassword(job.Plaintext, job.Password)
		} else {
			reply.Package, reply.Err = exec.Encrypt(job.Plaintext, job.Schedule)
		}
	case KindDecrypt:
		job := req.Decrypt
		if job.Password != "" {
			reply.Material, reply.Err = exec.DecryptWithPassword(job.Package, job.Password)
		} else {
			reply.Material, reply.Err = exec.Decrypt(job.Package, job.Key)
		}
	default:
		reply.Err = fmt.Errorf("offload: unknown request kind %v", req.Kind)
	}

	if reply.Err != nil {
		reply.Package = nil
		reply.Material.Release()
		reply.Material = nil
	}
	return reply
}
