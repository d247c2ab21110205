package asiair

import (
	"encoding"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/log2"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist binds Stater{Marshal,Unmarshal}Binary to crash safe file storage.
// Empty root disables storage, Load and Store become no-op.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func NewPersist(log *log2.Log, tag string, target Stater, root string) *Persist {
	if target == nil {
		panic("code error persist target nil")
	}
	p := &Persist{log: log, tag: tag, target: target}
	if root == "" {
		log.Debugf("persist %s disabled", tag)
		return p
	}
	p.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return p
}

func (p *Persist) Enabled() bool { return p != nil && p.storage != nil }

func (p *Persist) Load() error {
	if !p.Enabled() {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s read len=%d duration=%v", p.tag, len(b), time.Since(tbegin))
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		err = p.target.UnmarshalBinary(b)
	}
	return errors.Annotatef(err, "persist %s load", p.tag)
}

func (p *Persist) Store() error {
	if !p.Enabled() {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s write len=%d duration=%v", p.tag, len(b), time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s store", p.tag)
}
