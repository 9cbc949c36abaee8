// Command vmcoresim boots the virtual-memory core against the fake
// machine in internal/machfake and scripts the six end-to-end scenarios
// from the core's testable-properties list, printing a coremap_dump-style
// summary after each one. It is a diagnostic tool, not a kernel: there is
// no process, no user program, just direct calls into pkg/addrspace and
// pkg/vmfault the way the package tests drive them.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/Arasfon/os161/internal/machfake"
	"github.com/Arasfon/os161/pkg/addrspace"
	"github.com/Arasfon/os161/pkg/coremap"
	"github.com/Arasfon/os161/pkg/hostarch"
	"github.com/Arasfon/os161/pkg/swapstore"
	"github.com/Arasfon/os161/pkg/vmconf"
	"github.com/Arasfon/os161/pkg/vmerr"
	"github.com/Arasfon/os161/pkg/vmfault"
)

var (
	configPath = flag.String("config", "", "path to a vmconf TOML file (defaults to built-in OS/161 geometry)")
	ramPages   = flag.Uint32("ram-pages", 8, "total simulated RAM pages")
	fixedPages = flag.Uint32("fixed-pages", 2, "pages reserved FIXED before the coremap starts handing out frames")
	swapSlots  = flag.Uint32("swap-slots", 16, "page-sized slots in the fake swap vnode")
	verbose    = flag.BoolP("verbose", "v", false, "enable debug-level logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := vmconf.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}

	ram := machfake.NewRAM(uint64(*ramPages)*uint64(cfg.PageSize), uint64(*fixedPages)*uint64(cfg.PageSize))
	cm, freeFrames := coremap.Bootstrap(ram.Top(), ram.FirstFree(), cfg.PageSize)
	log.WithFields(logrus.Fields{"total_frames": cm.NumFrames(), "free_frames": freeFrames}).Info("coremap bootstrapped")

	vnode := machfake.NewVnode(int64(*swapSlots) * int64(cfg.PageSize))
	swap, err := swapstore.Init(vnode, cfg.PageSize)
	if err != nil {
		log.WithError(err).Fatal("initializing swap store")
	}

	tlb := machfake.NewTLB(16, cfg.PageSize)
	m := addrspace.NewMachine(cfg, cm, swap, tlb, ram, machfake.Gate{})

	engine := vmfault.NewEngine(cm, cfg.SwapReplacementLogInterval)
	cm.SetEvictor(engine)
	handler := vmfault.NewHandler()

	d := &demo{m: m, handler: handler, log: log}

	d.run("zero-fill fault", d.zeroFillFault)
	d.run("write to readonly region", d.writeToReadonly)
	d.run("heap grow/shrink round trip", d.heapGrowShrink)
	d.run("fork preserves contents", d.forkPreservesContents)
	d.run("eviction under memory pressure", d.evictionUnderPressure)
	d.run("kernel run rejected under fragmentation", d.kernelRunFragmentation)

	cm.Dump()
}

type demo struct {
	m       *addrspace.Machine
	handler *vmfault.Handler
	log     *logrus.Logger
}

func (d *demo) run(name string, fn func() error) {
	d.log.Infof("--- scenario: %s ---", name)
	if err := fn(); err != nil {
		d.log.WithError(err).Errorf("scenario %q failed", name)
		os.Exit(1)
	}
	d.m.Coremap.Dump()
}

func (d *demo) zeroFillFault() error {
	as := d.m.Create()
	if err := as.DefineRegion(0x400000, 2*d.m.Cfg.PageSize, true, false, true); err != nil {
		return err
	}
	if err := d.handler.HandleFault(as, vmfault.FaultRead, 0x400abc); err != nil {
		return err
	}
	d.log.Info("zero-filled one page on first touch")
	return nil
}

func (d *demo) writeToReadonly() error {
	as := d.m.Create()
	if err := as.DefineRegion(0x400000, d.m.Cfg.PageSize, true, false, true); err != nil {
		return err
	}
	if err := as.PrepareLoad(); err != nil {
		return err
	}
	if err := as.CompleteLoad(); err != nil {
		return err
	}
	err := d.handler.HandleFault(as, vmfault.FaultReadOnlyWrite, 0x400000)
	if vmerr.KindOf(err) != vmerr.KindPermission {
		return fmt.Errorf("expected PERMISSION, got %v", err)
	}
	d.log.Info("store to a readonly page correctly rejected with PERMISSION")
	return nil
}

func (d *demo) heapGrowShrink() error {
	as := d.m.Create()
	if err := as.DefineRegion(0x400000, d.m.Cfg.PageSize, true, true, false); err != nil {
		return err
	}
	before, err := as.AdjustBreak(0)
	if err != nil {
		return err
	}
	if _, err := as.AdjustBreak(int32(2 * d.m.Cfg.PageSize)); err != nil {
		return err
	}
	if err := d.handler.HandleFault(as, vmfault.FaultWrite, before); err != nil {
		return err
	}
	if _, err := as.AdjustBreak(-int32(2 * d.m.Cfg.PageSize)); err != nil {
		return err
	}
	after, err := as.AdjustBreak(0)
	if err != nil {
		return err
	}
	if after != before {
		return fmt.Errorf("heap break after shrink = %s, want %s", after, before)
	}
	d.log.Info("heap grew, was faulted in, and shrank back to its starting break")
	return nil
}

func (d *demo) forkPreservesContents() error {
	parent := d.m.Create()
	if err := parent.DefineRegion(0x500000, d.m.Cfg.PageSize, true, true, false); err != nil {
		return err
	}
	if err := d.handler.HandleFault(parent, vmfault.FaultWrite, 0x500000); err != nil {
		return err
	}
	pte, ok := parent.PageTable().GetEntry(hostarch.Addr(0x500000).VPN(), false)
	if !ok {
		return fmt.Errorf("parent PTE missing after fault")
	}
	d.m.Phys.Write(coremap.FrameToAddr(pte.PFN, d.m.Cfg.PageSize), []byte("vm"))

	child, err := parent.Copy()
	if err != nil {
		return err
	}
	if err := d.handler.HandleFault(child, vmfault.FaultRead, 0x500000); err != nil {
		return err
	}
	childPTE, _ := child.PageTable().GetEntry(hostarch.Addr(0x500000).VPN(), false)
	buf := make([]byte, 2)
	d.m.Phys.Read(coremap.FrameToAddr(childPTE.PFN, d.m.Cfg.PageSize), buf)
	if string(buf) != "vm" {
		return fmt.Errorf("child contents = %q, want %q", buf, "vm")
	}
	d.log.Info("forked address space observes the parent's page contents through a distinct frame")
	return nil
}

func (d *demo) evictionUnderPressure() error {
	var spaces []*addrspace.AddressSpace
	for i := 0; i < int(d.m.Coremap.NumFrames())+1; i++ {
		as := d.m.Create()
		if err := as.DefineRegion(0x600000, d.m.Cfg.PageSize, true, true, false); err != nil {
			return err
		}
		if err := d.handler.HandleFault(as, vmfault.FaultWrite, 0x600000); err != nil {
			return err
		}
		spaces = append(spaces, as)
	}
	for i, as := range spaces {
		if err := d.handler.HandleFault(as, vmfault.FaultRead, 0x600000); err != nil {
			return fmt.Errorf("re-touching address space %d: %w", i, err)
		}
	}
	d.log.Infof("touched %d address spaces through a smaller frame table, forcing eviction", len(spaces))
	return nil
}

func (d *demo) kernelRunFragmentation() error {
	total := d.m.Coremap.NumFrames()
	var held []uint32
	for {
		idx, ok := d.m.Coremap.AllocKernel(1)
		if !ok {
			break
		}
		held = append(held, idx)
	}
	// Free every other held frame to fragment the table, then demand a
	// contiguous run larger than the largest remaining gap.
	for i := 0; i < len(held); i += 2 {
		d.m.Coremap.FreeKernel(held[i])
	}
	if _, ok := d.m.Coremap.AllocKernel(total); ok {
		return fmt.Errorf("expected a full-table contiguous run to fail under fragmentation")
	}
	for i := 1; i < len(held); i += 2 {
		d.m.Coremap.FreeKernel(held[i])
	}
	d.log.Info("oversized contiguous kernel run correctly rejected once the table was fragmented")
	return nil
}
