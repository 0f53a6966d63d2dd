// Package builtin is the static table of every radio backend shipped with rigbridge.
package builtin

import (
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio/flexradio"
	"github.com/dougsko/rigbridge/pkg/radio/flrig"
	"github.com/dougsko/rigbridge/pkg/radio/mock"
	"github.com/dougsko/rigbridge/pkg/radio/rigctld"
	"github.com/dougsko/rigbridge/pkg/radio/serialcat"
	"github.com/dougsko/rigbridge/pkg/radio/tci"
)

// Descriptors returns the builtin backends in registration order
func Descriptors() []plugin.Descriptor {
	return []plugin.Descriptor{
		serialcat.Descriptor(serialcat.FamilyYaesu, "Yaesu CAT (USB serial)"),
		serialcat.Descriptor(serialcat.FamilyKenwood, "Kenwood CAT (USB serial)"),
		serialcat.Descriptor(serialcat.FamilyIcom, "Icom CI-V (USB serial)"),
		rigctld.Descriptor(),
		flrig.Descriptor(),
		flexradio.Descriptor(),
		tci.Descriptor(),
		mock.Descriptor(),
	}
}

// Register adds every builtin to reg
func Register(reg *plugin.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}
