// Package vmconf loads the machine-geometry constants the virtual-memory
// core is parameterized over. Defaults reproduce the OS/161 machine this
// spec was distilled from (kern/include/addrspace.h, kern/include/vm.h in
// original_source/); a TOML file can override them for tests that want a
// tiny, fragmentable machine.
package vmconf

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config describes the fixed geometry of the target machine. PageSize is
// in bytes, UserStack and KSeg0 are addresses, and the other sizes are
// counts of pages or entries.
type Config struct {
	// PageSize is the page size in bytes. OS/161 fixes this at 4096;
	// it is configurable here only so tests can shrink a whole machine
	// down to toy sizes without touching the algorithms.
	PageSize uint32 `toml:"page_size"`
	// L1Entries and L2Entries are the fan-out of each page-table level.
	// OS/161 uses 1024x1024 (10+10 bits of a 20-bit VPN).
	L1Entries uint32 `toml:"l1_entries"`
	L2Entries uint32 `toml:"l2_entries"`
	// StackPages is STACKPAGES: the size of the fixed stack region in
	// pages, reserved below USERSTACK.
	StackPages uint32 `toml:"stack_pages"`
	// UserStack is USERSTACK, the fixed top of the user address space.
	UserStack uint32 `toml:"user_stack"`
	// KSeg0 is the first address of the kernel direct-mapped window;
	// any fault address at or above this is INVALID_ADDRESS.
	KSeg0 uint32 `toml:"kseg0"`
	// SwapReplacementLogInterval is the number of page-replacement
	// evictions between diagnostic coremap_dump-style log lines. Purely
	// a diagnostics knob; the core never reads it itself.
	SwapReplacementLogInterval uint32 `toml:"swap_replacement_log_interval"`
}

// StackReserve is STACK_RESERVE = StackPages * PageSize.
func (c Config) StackReserve() uint32 {
	return c.StackPages * c.PageSize
}

// HeapLimit is the exclusive upper bound the heap break may reach:
// USERSTACK - STACK_RESERVE.
func (c Config) HeapLimit() uint32 {
	return c.UserStack - c.StackReserve()
}

// PagesPerL2 is the number of pages (and thus PTEs) covered by a single
// L2 table: L2Entries.
func (c Config) PagesPerL2() uint32 {
	return c.L2Entries
}

// VPNIndices splits a virtual page number into its L1 and L2 indices.
func (c Config) VPNIndices(vpn uint32) (l1, l2 uint32) {
	return vpn / c.L2Entries, vpn % c.L2Entries
}

// DefaultConfig returns the OS/161 geometry this spec was distilled from.
func DefaultConfig() Config {
	return Config{
		PageSize:   4096,
		L1Entries:  1024,
		L2Entries:  1024,
		StackPages: 18,
		UserStack:  0x80000000,
		KSeg0:      0x80000000,

		SwapReplacementLogInterval: 1,
	}
}

// Load reads a TOML config file at path, filling any zero-valued field
// from DefaultConfig(). An empty path returns DefaultConfig() unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	var override Config
	if _, err := toml.DecodeFile(path, &override); err != nil {
		return Config{}, fmt.Errorf("vmconf: decode %s: %w", path, err)
	}
	if override.PageSize != 0 {
		cfg.PageSize = override.PageSize
	}
	if override.L1Entries != 0 {
		cfg.L1Entries = override.L1Entries
	}
	if override.L2Entries != 0 {
		cfg.L2Entries = override.L2Entries
	}
	if override.StackPages != 0 {
		cfg.StackPages = override.StackPages
	}
	if override.UserStack != 0 {
		cfg.UserStack = override.UserStack
	}
	if override.KSeg0 != 0 {
		cfg.KSeg0 = override.KSeg0
	}
	if override.SwapReplacementLogInterval != 0 {
		cfg.SwapReplacementLogInterval = override.SwapReplacementLogInterval
	}
	return cfg, nil
}
