package core

import "github.com/hansungk/cyclotron-sub000/timeq"

// MmioConfig names the MMIO/CSR address range a thin wrapper subsystem
// claims, grounded on tensor.rs's mmio_base/mmio_size + csr_addr fields.
type MmioConfig struct {
	MmioBase uint64 `yaml:"mmio_base"`
	MmioSize uint64 `yaml:"mmio_size"`
	CsrAddr  uint64 `yaml:"csr_addr"`
}

// Matches reports whether addr falls within this unit's claimed MMIO window.
func (m MmioConfig) Matches(addr uint64) bool {
	return addr >= m.MmioBase && addr < m.MmioBase+m.MmioSize
}

// IsCsr reports whether addr is this unit's CSR address.
func (m MmioConfig) IsCsr(addr uint64) bool { return addr == m.CsrAddr }

// TensorConfig bundles the TimedServer budget and MMIO window for the
// tensor-core thin wrapper.
type TensorConfig struct {
	Enabled bool               `yaml:"enabled"`
	Server  timeq.ServerConfig `yaml:"server"`
	Mmio    MmioConfig         `yaml:"mmio"`
}

// DefaultTensorConfig mirrors tensor.rs's TensorConfig::default(): enabled,
// a modest fixed-latency unit queue, MMIO window at 0xFF00_0000.
func DefaultTensorConfig() TensorConfig {
	return TensorConfig{
		Enabled: true,
		Server:  serverCfg(8, 1, 4),
		Mmio:    MmioConfig{MmioBase: 0xff00_0000, MmioSize: 0x1000, CsrAddr: 0xff00_1000},
	}
}

func serverCfg(baseLatency timeq.Cycle, bytesPerCycle uint32, queueCapacity int) timeq.ServerConfig {
	cfg := timeq.DefaultServerConfig()
	cfg.BaseLatency = baseLatency
	cfg.BytesPerCycle = bytesPerCycle
	cfg.QueueCapacity = queueCapacity
	return cfg
}

// Tensor is the thin timing wrapper for a tensor/matrix-multiply unit: one
// TimedServer[int] gated by an MMIO/CSR address match, with a disabled
// bypass that completes instantly. Grounded field-for-field on
// timeflow/tensor.rs's TensorSubgraph.
type Tensor struct {
	config TensorConfig
	server *timeq.TimedServer[int]
}

// NewTensor constructs a tensor-unit wrapper from config.
func NewTensor(config TensorConfig) *Tensor {
	return &Tensor{config: config, server: timeq.New[int](config.Server)}
}

// TryIssue admits a tensor op for warp at the given cycle. When the unit is
// disabled, it returns now immediately without touching the server,
// matching the original's bypass-when-disabled behavior.
func (t *Tensor) TryIssue(now timeq.Cycle, warp int) (timeq.Cycle, error) {
	if !t.config.Enabled {
		return now, nil
	}
	ticket, err := t.server.TryEnqueue(now, timeq.ServiceRequest[int]{Payload: warp, SizeBytes: 1})
	if err != nil {
		return 0, err
	}
	return ticket.ReadyAt(), nil
}

// Tick drains ready completions, invoking onComplete with the warp id.
func (t *Tensor) Tick(now timeq.Cycle, onComplete func(warp int)) {
	if !t.config.Enabled {
		return
	}
	t.server.ServiceReady(now, func(r timeq.ServiceResult[int]) {
		if onComplete != nil {
			onComplete(r.Payload)
		}
	})
}

// Matches reports whether addr is this tensor unit's MMIO or CSR address.
func (t *Tensor) Matches(addr uint64) bool {
	return t.config.Mmio.Matches(addr) || t.config.Mmio.IsCsr(addr)
}

// Stats returns the underlying server's lifetime counters.
func (t *Tensor) Stats() timeq.ServerStats { return t.server.Stats() }

// DmaConfig bundles the TimedServer budget and MMIO window for the DMA
// engine thin wrapper.
type DmaConfig struct {
	Enabled bool               `yaml:"enabled"`
	Server  timeq.ServerConfig `yaml:"server"`
	Mmio    MmioConfig         `yaml:"mmio"`
}

// DefaultDmaConfig mirrors the DMA engine's default budget, grounded on the
// same TimedServer-wrapper shape as tensor.rs (no directly corresponding
// dma.rs exists in the retrieved original_source).
func DefaultDmaConfig() DmaConfig {
	return DmaConfig{
		Enabled: true,
		Server:  serverCfg(16, 64, 8),
		Mmio:    MmioConfig{MmioBase: 0xff01_0000, MmioSize: 0x1000, CsrAddr: 0xff01_1000},
	}
}

// Dma is the thin timing wrapper for a DMA engine: identical shape to
// Tensor, parameterized by DmaConfig so the two unit kinds can carry
// independent latency/MMIO configuration.
type Dma struct {
	config DmaConfig
	server *timeq.TimedServer[int]
}

// NewDma constructs a DMA-engine wrapper from config.
func NewDma(config DmaConfig) *Dma {
	return &Dma{config: config, server: timeq.New[int](config.Server)}
}

// TryIssue admits a DMA transfer of byteLen bytes for warp.
func (d *Dma) TryIssue(now timeq.Cycle, warp int, byteLen uint32) (timeq.Cycle, error) {
	if !d.config.Enabled {
		return now, nil
	}
	ticket, err := d.server.TryEnqueue(now, timeq.ServiceRequest[int]{Payload: warp, SizeBytes: byteLen})
	if err != nil {
		return 0, err
	}
	return ticket.ReadyAt(), nil
}

// Tick drains ready completions, invoking onComplete with the warp id.
func (d *Dma) Tick(now timeq.Cycle, onComplete func(warp int)) {
	if !d.config.Enabled {
		return
	}
	d.server.ServiceReady(now, func(r timeq.ServiceResult[int]) {
		if onComplete != nil {
			onComplete(r.Payload)
		}
	})
}

// Matches reports whether addr is this DMA engine's MMIO or CSR address.
func (d *Dma) Matches(addr uint64) bool {
	return d.config.Mmio.Matches(addr) || d.config.Mmio.IsCsr(addr)
}

// Stats returns the underlying server's lifetime counters.
func (d *Dma) Stats() timeq.ServerStats { return d.server.Stats() }
