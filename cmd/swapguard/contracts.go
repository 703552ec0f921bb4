package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type contractStatus struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
}

func runCheckContracts(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var out []contractStatus
	for _, probe := range a.cfg.Contracts.Probes(a.registry.ABIs()) {
		status := contractStatus{Name: probe.Name, Address: probe.Address, OK: true}
		if err := a.gw.ValidateContract(ctx, probe.Address, probe.ABI, probe.Methods...); err != nil {
			status.OK = false
			status.Error = err.Error()
			a.obs.Logger.Warn("contract check failed", zap.String("name", probe.Name), zap.String("address", probe.Address.Hex()), zap.Error(err))
		}
		out = append(out, status)
	}
	return writeJSON(cmd.OutOrStdout(), out)
}
