package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultIndex    = 0
	DefaultChannels = 1
	DefaultMTU      = "230"
	DefaultBuffers  = 1
)

type TesterSchema struct {
	Index    int    `hcl:"index,optional"`
	Channels int    `hcl:"channels,optional"`
	MTU      string `hcl:"mtu,optional"`
	Buffers  int    `hcl:"buffers,optional"`
}

type S3Schema struct {
	Secure    bool   `hcl:"secure,optional"`
	AccessKey string `hcl:"accesskey,attr"`
	SecretKey string `hcl:"secretkey,attr"`
	Endpoint  string `hcl:"endpoint,attr"`
	Bucket    string `hcl:"bucket,attr"`
	Prefix    string `hcl:"prefix,optional"`
}

type TraceSchema struct {
	File string    `hcl:"file,attr"`
	S3   *S3Schema `hcl:"s3,block"`
}

type SimSchema struct {
	AutoEstablish string `hcl:"autoestablish,optional"`
}

type PeerSchema struct {
	Address string `hcl:"address,label"`
	Type    string `hcl:"type,optional"`
}

type Schema struct {
	Tester *TesterSchema `hcl:"tester,block"`
	Trace  *TraceSchema  `hcl:"trace,block"`
	Sim    *SimSchema    `hcl:"sim,block"`
	Peer   []*PeerSchema `hcl:"peer,block"`
}

func DefaultSchema() *Schema {
	s := &Schema{}
	s.setDefaults()
	return s
}

func parseByteValue(val string) (int64, error) {
	multiplier := int64(1)
	s := strings.Trim(strings.ToLower(val), " \t\r\n")
	if s == "" {
		return 0, nil
	}

	suffix := s[len(s)-1:]
	switch suffix {
	case "b":
		s = s[:len(s)-1]
	case "k":
		multiplier = 1024
		s = s[:len(s)-1]
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", val, ErrInvalidConfig)
	}
	return i * multiplier, nil
}

func (ts *TesterSchema) ByteMTU() int {
	v, err := parseByteValue(ts.MTU)
	if err != nil {
		return 0
	}
	return int(v)
}

func (ss *SimSchema) AutoEstablishDuration() time.Duration {
	if ss == nil || ss.AutoEstablish == "" {
		return 0
	}
	d, err := time.ParseDuration(ss.AutoEstablish)
	if err != nil {
		return 0
	}
	return d
}

// AddressLE resolves the peer label and type. "br" peers are classic links.
func (ps *PeerSchema) AddressLE() (packets.AddressLE, bool, error) {
	a, err := packets.ParseAddress(ps.Address)
	if err != nil {
		return packets.AddressLE{}, false, fmt.Errorf("bad peer address %q: %w", ps.Address, ErrInvalidConfig)
	}
	switch strings.ToLower(ps.Type) {
	case "", "public":
		return packets.AddressLE{Type: packets.AddressPublic, Addr: a}, false, nil
	case "random":
		return packets.AddressLE{Type: packets.AddressRandom, Addr: a}, false, nil
	case "br":
		return packets.AddressLE{Type: packets.AddressPublic, Addr: a}, true, nil
	}
	return packets.AddressLE{}, false, fmt.Errorf("peer %s has bad type %q: %w", ps.Address, ps.Type, ErrInvalidConfig)
}

func (s *Schema) setDefaults() {
	if s.Tester == nil {
		s.Tester = &TesterSchema{}
	}
	if s.Tester.Channels == 0 {
		s.Tester.Channels = DefaultChannels
	}
	if s.Tester.MTU == "" {
		s.Tester.MTU = DefaultMTU
	}
	if s.Tester.Buffers == 0 {
		s.Tester.Buffers = DefaultBuffers
	}
}

func (s *Schema) Validate() error {
	t := s.Tester
	if t.Index < 0 || t.Index > 0xff {
		return fmt.Errorf("index %d out of range: %w", t.Index, ErrInvalidConfig)
	}
	if t.Channels < 1 || t.Channels > 256 {
		return fmt.Errorf("channels %d out of range: %w", t.Channels, ErrInvalidConfig)
	}
	mtu, err := parseByteValue(t.MTU)
	if err != nil {
		return err
	}
	// The data event carries chan_id and a length ahead of the SDU
	if mtu < 1 || mtu > packets.MaxPayload-3 {
		return fmt.Errorf("mtu %d out of range: %w", mtu, ErrInvalidConfig)
	}
	if t.Buffers < 1 {
		return fmt.Errorf("buffers %d out of range: %w", t.Buffers, ErrInvalidConfig)
	}
	if s.Sim != nil && s.Sim.AutoEstablish != "" {
		_, err := time.ParseDuration(s.Sim.AutoEstablish)
		if err != nil {
			return fmt.Errorf("bad autoestablish %q: %w", s.Sim.AutoEstablish, ErrInvalidConfig)
		}
	}
	for _, p := range s.Peer {
		_, _, err := p.AddressLE()
		if err != nil {
			return err
		}
	}
	return nil
}

func ReadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	s := new(Schema)
	return s, s.Decode(data)
}

func (s *Schema) Decode(data []byte) error {
	file, diag := hclsyntax.ParseConfig(data, "", hcl.Pos{Line: 1, Column: 1})
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	diag = gohcl.DecodeBody(file.Body, nil, s)
	if diag.HasErrors() {
		return diag.Errs()[0]
	}

	s.setDefaults()
	return s.Validate()
}

func (s *Schema) Encode() []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(s, f.Body())
	return f.Bytes()
}
