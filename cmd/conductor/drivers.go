package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/config"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/drivers/agent"
	"github.com/imamik/metalconductor/internal/drivers/fake"
	"github.com/imamik/metalconductor/internal/drivers/hcloud"
	"github.com/imamik/metalconductor/internal/drivers/noop"
	"github.com/imamik/metalconductor/internal/imagestore"
)

type candidate struct {
	t    v1alpha1.InterfaceType
	impl drivers.Interface
}

// newResolver returns the S3 image store when object storage is configured.
var newResolver = func(ctx context.Context, cfg config.ImageStoreConfig) (imagestore.Resolver, error) {
	if cfg.Endpoint == "" && cfg.AccessKey == "" {
		return imagestore.Passthrough{}, nil
	}
	return imagestore.New(ctx, cfg)
}

// buildRegistry registers every implementation enabled by cfg and selects
// the defaults.
func buildRegistry(ctx context.Context, cfg *config.Config) (*drivers.Registry, error) {
	resolver, err := newResolver(ctx, cfg.ImageStore)
	if err != nil {
		return nil, fmt.Errorf("failed to set up image store: %w", err)
	}

	fakes := fake.NewSet()
	cands := []candidate{
		{v1alpha1.InterfacePower, fakes.Power},
		{v1alpha1.InterfaceBoot, fakes.Boot},
		{v1alpha1.InterfaceDeploy, fakes.Deploy},
		{v1alpha1.InterfaceManagement, fakes.Management},
		{v1alpha1.InterfaceInspect, fakes.Inspect},
		{v1alpha1.InterfaceRAID, fakes.RAID},
		{v1alpha1.InterfaceConsole, fakes.Console},
		{v1alpha1.InterfaceVendor, fakes.Vendor},

		{v1alpha1.InterfaceInspect, noop.NewInspect()},
		{v1alpha1.InterfaceRAID, noop.NewRAID()},
		{v1alpha1.InterfaceConsole, noop.NewConsole()},
		{v1alpha1.InterfaceVendor, noop.NewVendor()},

		{v1alpha1.InterfaceDeploy, agent.New(agent.Options{
			APIURL:        cfg.Drivers.Agent.APIURL,
			DeployRamdisk: cfg.Drivers.Agent.DeployRamdisk,
			RescueRamdisk: cfg.Drivers.Agent.RescueRamdisk,
			Resolver:      resolver,
		})},
	}

	// Real drivers come first so they win the default selection.
	var preferred []string
	if cfg.Drivers.HCloud.Token != "" {
		hc := hcloud.NewClient(cfg.Drivers.HCloud.Token, cfg.Drivers.HCloud.Endpoint)
		cands = append(cands,
			candidate{v1alpha1.InterfacePower, hcloud.NewPower(hc)},
			candidate{v1alpha1.InterfaceBoot, hcloud.NewBoot(hc)},
		)
		preferred = append(preferred, hcloud.Name)
	}
	if cfg.Drivers.Agent.APIURL != "" {
		preferred = append(preferred, agent.Name)
	}
	preferred = append(preferred, fake.Name, noop.NameInspect, noop.NameRAID, noop.NameConsole, noop.NameVendor)

	reg := drivers.NewRegistry()
	for _, c := range cands {
		if !cfg.Drivers.IsEnabled(c.t, c.impl.Name()) {
			continue
		}
		if err := reg.Register(c.t, c.impl); err != nil {
			return nil, err
		}
	}

	registered := reg.List()
	for _, t := range v1alpha1.InterfaceOrder {
		name := cfg.Drivers.Defaults[t]
		if name == "" {
			name = pickDefault(registered[t], preferred)
		}
		if name == "" {
			continue
		}
		if err := reg.SetDefault(t, name); err != nil {
			return nil, fmt.Errorf("invalid default: %w", err)
		}
	}
	return reg, nil
}

func pickDefault(registered, preferred []string) string {
	for _, p := range preferred {
		if slices.Contains(registered, p) {
			return p
		}
	}
	if len(registered) > 0 {
		return registered[0]
	}
	return ""
}
