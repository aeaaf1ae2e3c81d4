package cliapp

import (
	"fmt"
	"hash/crc32"

	"github.com/rvscript/scripthost/host"
	"github.com/rvscript/scripthost/hostconfig"
	"github.com/rvscript/scripthost/remotecall"
)

// wireRemoteLink connects link.Caller to link.Callee through the
// remote-call bridge (spec.md §4.5). Strict mode allows every address the
// callee has already exposed as public API — a config-driven shorthand for
// "remote callers may reach this script's manifest, nothing else", since
// hostconfig has no per-link fine-grained address list.
func wireRemoteLink(h *host.Host, link hostconfig.RemoteLink) error {
	caller, err := h.Registry.GetNamed(crc32.ChecksumIEEE([]byte(link.Caller)), link.Caller)
	if err != nil {
		return fmt.Errorf("scriptctl: remote link caller: %w", err)
	}
	callee, err := h.Registry.GetNamed(crc32.ChecksumIEEE([]byte(link.Callee)), link.Callee)
	if err != nil {
		return fmt.Errorf("scriptctl: remote link callee: %w", err)
	}
	if link.Strict {
		remotecall.StrictLink(caller, callee, callee.PublicAPIAddresses()...)
	} else {
		remotecall.Link(caller, callee)
	}
	return nil
}
