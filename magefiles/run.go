//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed with the window and the vulkan backend.
func (Run) Engine() error {
	fmt.Println("Run engine...")
	_, err := executeCmd("go", withArgs("run", ".", "-config", "vesta.toml"), withStream())
	return err
}

// Runs the testbed on the headless device for a fixed number of frames.
func (Run) Headless() error {
	fmt.Println("Run engine headless...")
	_, err := executeCmd("go",
		withArgs("run", ".", "-config", "vesta.toml"),
		withEnv("VESTA_BACKEND=headless", "VESTA_MAX_FRAMES=600"),
		withStream())
	return err
}
