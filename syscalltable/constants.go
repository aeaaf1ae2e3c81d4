// Package syscalltable installs the fixed, numbered syscall surface guest
// code uses for print, measure, far-call, interrupt, setting lookup, and
// math (spec.md §2 "SyscallTable", §4.7; grounded on
// original_source/engine/src/script/script_syscalls.cpp).
package syscalltable

// Syscall numbers. write, farcall, direct_farcall, interrupt, and the
// multiprocess range are fixed by spec.md §4.7 (the guest hard-codes them
// in assembly). The rest aren't pinned by spec.md; this repository assigns
// them the contiguous block below and records the decision in DESIGN.md as
// an Open Question resolution, since nothing visible depends on their
// exact values except guest/host agreement within this one process.
const (
	SelfTest       = 500
	AssertFail     = 501
	Write          = 502
	Measure        = 503
	DyncallHash    = 504
	Farcall        = 505
	DirectFarcall  = 506
	Interrupt      = 507
	DyncallArgs    = 508
	MachineHash    = 509
	MultiProcess0  = 510
	MultiProcess1  = 511
	MultiProcess2  = 512
	EachFrame      = 513
	GameSetting    = 514
	GameExit       = 515
	MathSinf       = 516
	MathRandf      = 517
	MathSmoothstep = 518
	MathVecLength  = 519
	MathVecRotate  = 520
	MathVecNorm    = 521
)

// WriteMaxBytes caps how much a single write syscall copies out of guest
// memory, per spec.md §4.7.
const WriteMaxBytes = 1024

// Benchmark rounds used by the measure syscall.
const MeasureRounds = 10
