//go:build !linux

package main

import (
	"context"
	"errors"
	"os"
)

func readInputEventsEpoll(_ context.Context, _ []*os.File, _ chan<- inputEvent, readErr chan<- error) {
	readErr <- errors.New("input devices are only supported on linux")
}
