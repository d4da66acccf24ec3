package distributed

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const (
	// EnvRank and friends configure the process group, typically set by
	// the cluster orchestrator that launches the workers.
	EnvRank        = "XTRAIN_RANK"
	EnvWorldSize   = "XTRAIN_WORLD_SIZE"
	EnvCoordinator = "XTRAIN_COORDINATOR"

	dialTimeout = 2 * time.Minute
	dialBackoff = 500 * time.Millisecond
)

// TCPConfig describes a process group connected in a star around rank 0.
type TCPConfig struct {
	// Rank of this worker, in [0, WorldSize).
	Rank int

	// WorldSize is the number of workers in the group.
	WorldSize int

	// CoordinatorAddr is the host:port rank 0 listens on and every other
	// rank dials.
	CoordinatorAddr string

	// FP16 enables half-precision compression of dense all-reduce
	// payloads on the wire. Scalars are never compressed.
	FP16 bool
}

// GroupFromEnv builds the Collective for this process: the TCP group
// described by the XTRAIN_* environment variables, or Local when they
// are absent (single-worker run).
func GroupFromEnv(fp16 bool) (Collective, error) {
	sizeStr := os.Getenv(EnvWorldSize)
	if sizeStr == "" {
		return NewLocal(), nil
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return nil, errors.Wrapf(err, "distributed: invalid %s=%q", EnvWorldSize, sizeStr)
	}
	if size <= 1 {
		return NewLocal(), nil
	}
	rank, err := strconv.Atoi(os.Getenv(EnvRank))
	if err != nil {
		return nil, errors.Wrapf(err, "distributed: invalid %s=%q", EnvRank, os.Getenv(EnvRank))
	}
	addr := os.Getenv(EnvCoordinator)
	if addr == "" {
		return nil, errors.Errorf("distributed: %s must be set for a group of size %d", EnvCoordinator, size)
	}
	return NewTCP(TCPConfig{Rank: rank, WorldSize: size, CoordinatorAddr: addr, FP16: fp16})
}

// wireMsg is one collective exchange. Exactly one payload field is set:
// Scalars for scalar collectives, Dense or Half for tensor collectives.
type wireMsg struct {
	Name    string
	Scalars []float64
	Dense   []float32
	Half    []uint16

	// Sum skips the divide: the reply is the plain sum of the
	// contributions. Broadcasts use it so rank 0's values arrive
	// bit-exact instead of surviving a divide and multiply.
	Sum bool
}

// peer is one gob-framed connection.
type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// TCP is the network-backed Collective. Rank 0 acts as the coordinator:
// it gathers every worker's contribution, averages, and fans the result
// back out. Every collective is a full barrier; a stalled worker stalls
// the group (no timeouts once the group is established, matching the
// batch-job failure model).
type TCP struct {
	cfg TCPConfig

	listener net.Listener
	peers    []*peer // Coordinator: indexed by rank, entry 0 nil. Workers: single entry, the coordinator.
}

var _ Collective = &TCP{}

// NewTCP establishes the group. It blocks until all workers have joined.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	if cfg.WorldSize < 2 {
		return nil, errors.Errorf("distributed: TCP group needs at least 2 workers, got %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("distributed: rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)
	}
	t := &TCP{cfg: cfg}
	var err error
	if cfg.Rank == 0 {
		err = t.acceptPeers()
	} else {
		err = t.dialCoordinator()
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("distributed: rank %d of %d joined group at %s", cfg.Rank, cfg.WorldSize, cfg.CoordinatorAddr)
	return t, nil
}

func (t *TCP) acceptPeers() error {
	var err error
	t.listener, err = net.Listen("tcp", t.cfg.CoordinatorAddr)
	if err != nil {
		return errors.Wrapf(err, "distributed: coordinator failed to listen on %s", t.cfg.CoordinatorAddr)
	}
	t.peers = make([]*peer, t.cfg.WorldSize)
	joined := 0
	for joined < t.cfg.WorldSize-1 {
		conn, err := t.listener.Accept()
		if err != nil {
			return errors.Wrap(err, "distributed: coordinator accept failed")
		}
		p := newPeer(conn)
		var hello wireMsg
		if err := p.dec.Decode(&hello); err != nil {
			return errors.Wrap(err, "distributed: failed to read join message")
		}
		rank := int(hello.Scalars[0])
		if rank <= 0 || rank >= t.cfg.WorldSize || t.peers[rank] != nil {
			return errors.Errorf("distributed: invalid or duplicate join for rank %d", rank)
		}
		t.peers[rank] = p
		joined++
	}
	return nil
}

func (t *TCP) dialCoordinator() error {
	deadline := time.Now().Add(dialTimeout)
	var conn net.Conn
	var err error
	for {
		conn, err = net.DialTimeout("tcp", t.cfg.CoordinatorAddr, dialBackoff)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "distributed: rank %d failed to reach coordinator at %s", t.cfg.Rank, t.cfg.CoordinatorAddr)
		}
		time.Sleep(dialBackoff)
	}
	p := newPeer(conn)
	if err := p.enc.Encode(&wireMsg{Name: "join", Scalars: []float64{float64(t.cfg.Rank)}}); err != nil {
		return errors.Wrapf(err, "distributed: rank %d failed to join", t.cfg.Rank)
	}
	t.peers = []*peer{p}
	return nil
}

// Rank implements Collective.
func (t *TCP) Rank() int { return t.cfg.Rank }

// Size implements Collective.
func (t *TCP) Size() int { return t.cfg.WorldSize }

// allReduce runs one collective round: every worker contributes msg, the
// coordinator averages the payloads and fans the result back. Returns
// the averaged message.
func (t *TCP) allReduce(msg *wireMsg) (*wireMsg, error) {
	if t.cfg.Rank != 0 {
		p := t.peers[0]
		if err := p.enc.Encode(msg); err != nil {
			return nil, errors.Wrapf(err, "distributed: rank %d failed to send %q", t.cfg.Rank, msg.Name)
		}
		var reply wireMsg
		if err := p.dec.Decode(&reply); err != nil {
			return nil, errors.Wrapf(err, "distributed: rank %d failed to receive %q", t.cfg.Rank, msg.Name)
		}
		return &reply, nil
	}

	// Coordinator: gather, check names, average, scatter.
	scalars := append([]float64(nil), msg.Scalars...)
	dense := append([]float32(nil), msg.Dense...)
	half := halvesToFloats(msg.Half)
	for rank := 1; rank < t.cfg.WorldSize; rank++ {
		var contrib wireMsg
		if err := t.peers[rank].dec.Decode(&contrib); err != nil {
			return nil, errors.Wrapf(err, "distributed: failed to receive %q from rank %d", msg.Name, rank)
		}
		if contrib.Name != msg.Name || contrib.Sum != msg.Sum {
			return nil, errors.Errorf("distributed: collective mismatch, coordinator running %q but rank %d sent %q"+
				" (collectives must be invoked in the same order on every worker)", msg.Name, rank, contrib.Name)
		}
		if err := accumulate(scalars, contrib.Scalars, dense, contrib.Dense, half, contrib.Half); err != nil {
			return nil, errors.WithMessagef(err, "collective %q from rank %d", msg.Name, rank)
		}
	}
	if !msg.Sum {
		n := float64(t.cfg.WorldSize)
		for i := range scalars {
			scalars[i] /= n
		}
		for i := range dense {
			dense[i] /= float32(n)
		}
		for i := range half {
			half[i] /= float32(n)
		}
	}
	reply := &wireMsg{Name: msg.Name, Scalars: scalars, Sum: msg.Sum}
	if msg.Half != nil {
		reply.Half = floatsToHalves(half)
	} else {
		reply.Dense = dense
	}
	for rank := 1; rank < t.cfg.WorldSize; rank++ {
		if err := t.peers[rank].enc.Encode(reply); err != nil {
			return nil, errors.Wrapf(err, "distributed: failed to send %q result to rank %d", msg.Name, rank)
		}
	}
	return reply, nil
}

func accumulate(scalars, cScalars []float64, dense, cDense []float32, half []float32, cHalf []uint16) error {
	if len(cScalars) != len(scalars) || len(cDense) != len(dense) || len(cHalf) != len(half) {
		return errors.Errorf("payload size mismatch: got %d/%d/%d values, expected %d/%d/%d",
			len(cScalars), len(cDense), len(cHalf), len(scalars), len(dense), len(half))
	}
	for i, v := range cScalars {
		scalars[i] += v
	}
	for i, v := range cDense {
		dense[i] += v
	}
	for i, bits := range cHalf {
		half[i] += float16.Frombits(bits).Float32()
	}
	return nil
}

func floatsToHalves(fs []float32) []uint16 {
	if fs == nil {
		return nil
	}
	hs := make([]uint16, len(fs))
	for i, f := range fs {
		hs[i] = float16.Fromfloat32(f).Bits()
	}
	return hs
}

func halvesToFloats(hs []uint16) []float32 {
	if hs == nil {
		return nil
	}
	fs := make([]float32, len(hs))
	for i, bits := range hs {
		fs[i] = float16.Frombits(bits).Float32()
	}
	return fs
}

// AllReduceMean implements Collective.
func (t *TCP) AllReduceMean(name string, value float64) (float64, error) {
	reply, err := t.allReduce(&wireMsg{Name: name, Scalars: []float64{value}})
	if err != nil {
		return 0, err
	}
	return reply.Scalars[0], nil
}

// AllReduceTensors implements Collective. Only float32 tensors are
// supported, which is the dtype of every model variable in this trainer.
func (t *TCP) AllReduceTensors(name string, ts []*tensors.Tensor) error {
	flat, sizes, err := flattenTensors(ts)
	if err != nil {
		return err
	}
	msg := &wireMsg{Name: name}
	if t.cfg.FP16 {
		msg.Half = floatsToHalves(flat)
	} else {
		msg.Dense = flat
	}
	reply, err := t.allReduce(msg)
	if err != nil {
		return err
	}
	averaged := reply.Dense
	if t.cfg.FP16 {
		averaged = halvesToFloats(reply.Half)
	}
	return unflattenTensors(ts, sizes, averaged)
}

func flattenTensors(ts []*tensors.Tensor) (flat []float32, sizes []int, err error) {
	total := 0
	sizes = make([]int, len(ts))
	for i, tensor := range ts {
		if tensor.DType() != dtypes.Float32 {
			return nil, nil, errors.Errorf("distributed: tensor %d has dtype %s, only %s is supported on the wire",
				i, tensor.DType(), dtypes.Float32)
		}
		sizes[i] = tensor.Size()
		total += sizes[i]
	}
	flat = make([]float32, 0, total)
	for _, tensor := range ts {
		tensors.ConstFlatData(tensor, func(data []float32) {
			flat = append(flat, data...)
		})
	}
	return flat, sizes, nil
}

func unflattenTensors(ts []*tensors.Tensor, sizes []int, flat []float32) error {
	total := 0
	for _, s := range sizes {
		total += s
	}
	if len(flat) != total {
		return errors.Errorf("distributed: averaged payload has %d values, expected %d", len(flat), total)
	}
	pos := 0
	for i, tensor := range ts {
		tensors.MutableFlatData(tensor, func(data []float32) {
			copy(data, flat[pos:pos+sizes[i]])
		})
		pos += sizes[i]
	}
	return nil
}

// BroadcastVariables implements Collective: every variable value of ctx
// is replaced by rank 0's. Runs as a sequence of tensor collectives in
// EnumerateVariables order, which is deterministic and identical across
// workers building the same model.
func (t *TCP) BroadcastVariables(ctx *context.Context) error {
	var all []*tensors.Tensor
	ctx.EnumerateVariables(func(v *context.Variable) {
		all = append(all, v.Value())
	})
	flat, sizes, err := flattenTensors(all)
	if err != nil {
		return err
	}
	// Non-root contributions are zeroed and the round runs in sum mode,
	// so every worker receives rank 0's values bit-exact.
	if t.cfg.Rank != 0 {
		for i := range flat {
			flat[i] = 0
		}
	}
	msg := &wireMsg{Name: "broadcast_variables", Dense: flat, Sum: true}
	reply, err := t.allReduce(msg)
	if err != nil {
		return err
	}
	return unflattenTensors(all, sizes, reply.Dense)
}

// Close implements Collective.
func (t *TCP) Close() error {
	var firstErr error
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, fmt.Sprintf("distributed: closing rank %d", t.cfg.Rank))
	}
	return nil
}
