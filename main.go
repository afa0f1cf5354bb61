// Package main is a module which serves the vehicle-counter vision model.
package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"github.com/viam-modules/vehicle-counter/counter"
)

func main() {
	module.ModularMain(resource.APIModel{API: vision.API, Model: counter.Model})
}
