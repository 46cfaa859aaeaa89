package main

import (
	"reactctrl"

	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: reactctrl.ReactiveControllerModel},
		resource.APIModel{API: discovery.API, Model: reactctrl.DiscoveryModel},
	)
}
