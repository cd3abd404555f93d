// Package master provides Context, the top-level object tying the
// datagram engine, slave list, groups, enumerator, distributed-clock
// engine and process-data cycles together into the public surface of an
// EtherCAT master (spec.md §3 "Context/top-level").
//
// Context plays the same role the teacher's pkg/network.Network plays
// relative to the root canopen package: the root ethercat package stays
// free of any dependency on slave- or group-aware types, and Context is
// where they are finally assembled.
package master

import (
	"fmt"
	"log/slog"
	"time"

	ethercat "github.com/go-ethercat/master"
	"github.com/go-ethercat/master/pkg/coe"
	"github.com/go-ethercat/master/pkg/dc"
	"github.com/go-ethercat/master/pkg/enumerate"
	"github.com/go-ethercat/master/pkg/eoe"
	"github.com/go-ethercat/master/pkg/foe"
	"github.com/go-ethercat/master/pkg/iogroup"
	"github.com/go-ethercat/master/pkg/link"
	"github.com/go-ethercat/master/pkg/mailbox"
	"github.com/go-ethercat/master/pkg/process"
	"github.com/go-ethercat/master/pkg/sii"
	"github.com/go-ethercat/master/pkg/slave"
	"github.com/go-ethercat/master/pkg/soe"
)

// Context is the single entry point an application holds: one Port, the
// enumerated slave list, up to Configuration.MaxGroups logical-address
// groups, and the supporting engines (state driver, distributed clock,
// mailbox protocol clients).
type Context struct {
	Config Configuration
	Port   *ethercat.Port
	Errors *ethercat.ErrorList
	Logger *slog.Logger

	Slaves []*slave.Slave // index 0 unused
	Groups []*iogroup.Group
	Cycles []*process.Cycle // parallel to Groups

	enumerator *enumerate.Enumerator
	stateDrv   *slave.Driver
	dcEngine   *dc.Engine

	// ManualStateChange is stored on the Context for callers that drive
	// state transitions themselves; nothing in this package reads it. Init
	// always requests PRE-OP, and no code here moves slaves past PRE-OP
	// on its own.
	ManualStateChange bool
}

// NewContext opens the given Link backend and builds an idle Context; call
// Init to scan the bus.
func NewContext(interfaceType, ifname string, redundantIfname string, cfg Configuration, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primary, err := link.Open(interfaceType, ifname)
	if err != nil {
		return nil, fmt.Errorf("master: open primary link: %w", err)
	}
	var redundant link.Link
	if redundantIfname != "" {
		redundant, err = link.Open(interfaceType, redundantIfname)
		if err != nil {
			return nil, fmt.Errorf("master: open redundant link: %w", err)
		}
	}
	port := ethercat.NewPort(primary, redundant, logger)
	port.Start()

	var profiles sii.ProfileTable
	if cfg.ProfileTablePath != "" {
		profiles, err = sii.LoadProfileTable(cfg.ProfileTablePath)
		if err != nil {
			port.Close()
			return nil, fmt.Errorf("master: load profile table: %w", err)
		}
	}

	c := &Context{
		Config: cfg,
		Port:   port,
		Errors: ethercat.NewErrorList(ethercat.DefaultErrorListCapacity),
		Logger: logger,
		Groups: make([]*iogroup.Group, cfg.MaxGroups),
	}
	for i := range c.Groups {
		c.Groups[i] = &iogroup.Group{Index: i}
	}
	c.enumerator = &enumerate.Enumerator{Port: port, Logger: logger, ProfileTable: profiles}
	return c, nil
}

// Init scans the bus and configures every slave through PRE-OP
// (spec.md §4.E config_init).
func (c *Context) Init() error {
	slaves, err := c.enumerator.ConfigInit(c.Config.MaxSlaves, c.Config.DatagramTimeout)
	if err != nil {
		return err
	}
	c.Slaves = slaves
	c.stateDrv = &slave.Driver{Port: c.Port, Slaves: c.Slaves}
	c.dcEngine = dc.NewEngine(c.Port, c.Slaves)
	return nil
}

// MapGroup maps every configured slave into group groupIdx starting at
// logStartAddr, and allocates the Cycle used to drive it (spec.md §4.E
// config_map_group).
func (c *Context) MapGroup(groupIdx int, logStartAddr uint32, overlapping bool, timeout time.Duration) error {
	if groupIdx < 0 || groupIdx >= len(c.Groups) {
		return ethercat.ErrGroupNotFound
	}
	group := c.Groups[groupIdx]
	if err := c.enumerator.ConfigMapGroup(group, c.Slaves, logStartAddr, overlapping, timeout); err != nil {
		return err
	}
	if len(c.Cycles) != len(c.Groups) {
		c.Cycles = make([]*process.Cycle, len(c.Groups))
	}
	c.Cycles[groupIdx] = process.NewCycle(c.Port, group)
	c.wireDCReference()
	return nil
}

// WriteState requests target for slaveIdx (0 = broadcast).
func (c *Context) WriteState(slaveIdx int, target slave.State, timeout time.Duration) error {
	return c.stateDrv.WriteState(slaveIdx, target, timeout)
}

// StateCheck polls slaveIdx (0 = lowest common state) for target.
func (c *Context) StateCheck(slaveIdx int, target slave.State, timeout time.Duration) (slave.State, error) {
	return c.stateDrv.StateCheck(slaveIdx, target, timeout)
}

// ReadState refreshes every slave's State/ALStatusCode.
func (c *Context) ReadState() error { return c.stateDrv.ReadState() }

// AckError clears a SAFE-OP+ERROR slave's error flag.
func (c *Context) AckError(slaveIdx int, timeout time.Duration) error {
	return c.stateDrv.AckError(slaveIdx, timeout)
}

// ConfigDC runs propagation-delay measurement and reference-clock sync
// across the enumerated slave list (spec.md §4.D).
func (c *Context) ConfigDC(timeout time.Duration) error {
	if err := c.dcEngine.MeasurePropagationDelays(timeout); err != nil {
		return err
	}
	if err := c.dcEngine.SyncReferenceClock(timeout); err != nil {
		return err
	}
	c.wireDCReference()
	return nil
}

// wireDCReference points every already-mapped group's cyclic FRMW tail
// slot at the elected reference clock's system-time register, so
// SendProcessData keeps refreshing Port.LastDCTime every cycle instead of
// only once at ConfigDC (spec.md §4.P / the S5 DC-convergence scenario,
// which needs t_dc refreshed every cycle). A no-op until ConfigDC has
// actually elected a reference clock.
func (c *Context) wireDCReference() {
	if c.dcEngine == nil {
		return
	}
	adp, ok := c.dcEngine.ReferenceClockAddress()
	if !ok {
		return
	}
	for _, cycle := range c.Cycles {
		if cycle == nil {
			continue
		}
		cycle.DCReferenceADP = adp
		cycle.DCReferenceADO = ethercat.RegDCSysTime
	}
}

// AdjustCycle feeds the most recent reference-clock offset error into the
// host-to-DC PI loop, returning the next cycle-time correction.
func (c *Context) AdjustCycle(errNanos int64) int64 {
	if c.dcEngine == nil {
		return 0
	}
	return c.dcEngine.AdjustCycle(errNanos)
}

// SendProcessData exchanges process data for groupIdx, per spec.md §4.P.
func (c *Context) SendProcessData(groupIdx int, timeout time.Duration) error {
	if groupIdx < 0 || groupIdx >= len(c.Cycles) || c.Cycles[groupIdx] == nil {
		return ethercat.ErrGroupNotFound
	}
	return c.Cycles[groupIdx].Send(timeout)
}

// Outputs/Inputs expose a group's cyclic I/O buffers for the caller to
// read/write between SendProcessData calls.
func (c *Context) Outputs(groupIdx int) []byte { return c.Cycles[groupIdx].Outputs }
func (c *Context) Inputs(groupIdx int) []byte  { return c.Cycles[groupIdx].Inputs }

// slaveByIndex validates a 1-based slave index.
func (c *Context) slaveByIndex(idx int) (*slave.Slave, error) {
	if idx < 1 || idx >= len(c.Slaves) || c.Slaves[idx] == nil {
		return nil, ethercat.ErrSlaveNotFound
	}
	return c.Slaves[idx], nil
}

// SDOClient returns a CoE client bound to slaveIdx's mailbox, reporting
// SDO aborts into Context.Errors.
func (c *Context) SDOClient(slaveIdx int) (*coe.Client, error) {
	s, err := c.slaveByIndex(slaveIdx)
	if err != nil {
		return nil, err
	}
	t := &mailbox.Transport{Port: c.Port, Slave: s}
	return &coe.Client{Transport: t, OnError: c.recordError(slaveIdx)}, nil
}

// FoEClient returns an FoE client bound to slaveIdx's mailbox.
func (c *Context) FoEClient(slaveIdx int) (*foe.Client, error) {
	s, err := c.slaveByIndex(slaveIdx)
	if err != nil {
		return nil, err
	}
	t := &mailbox.Transport{Port: c.Port, Slave: s}
	return &foe.Client{Transport: t, OnError: c.recordError(slaveIdx)}, nil
}

// EoEClient returns an EoE client bound to slaveIdx's mailbox.
func (c *Context) EoEClient(slaveIdx int) (*eoe.Client, error) {
	s, err := c.slaveByIndex(slaveIdx)
	if err != nil {
		return nil, err
	}
	return &eoe.Client{Transport: &mailbox.Transport{Port: c.Port, Slave: s}}, nil
}

// SoEClient returns an SoE client bound to slaveIdx's mailbox.
func (c *Context) SoEClient(slaveIdx int) (*soe.Client, error) {
	s, err := c.slaveByIndex(slaveIdx)
	if err != nil {
		return nil, err
	}
	return &soe.Client{Transport: &mailbox.Transport{Port: c.Port, Slave: s}}, nil
}

func (c *Context) recordError(slaveIdx int) func(ethercat.ErrorItem) {
	return func(item ethercat.ErrorItem) {
		item.Slave = slaveIdx
		c.Errors.Push(item)
	}
}

// RecoverSlave re-addresses and re-verifies a lost slave at its known bus
// position (spec.md §9 recovery path).
func (c *Context) RecoverSlave(slaveIdx, position int, timeout time.Duration) error {
	s, err := c.slaveByIndex(slaveIdx)
	if err != nil {
		return err
	}
	return c.enumerator.RecoverSlave(s, position, timeout)
}

// ReconfigSlave drives a recovered slave back to PRE-OP, replaying its
// mailbox programming and PO2SOConfig hook.
func (c *Context) ReconfigSlave(slaveIdx int, timeout time.Duration) error {
	s, err := c.slaveByIndex(slaveIdx)
	if err != nil {
		return err
	}
	return c.enumerator.ReconfigSlave(s, timeout)
}

// Close stops the cyclic receive loop and releases the underlying link(s).
func (c *Context) Close() error {
	return c.Port.Close()
}
