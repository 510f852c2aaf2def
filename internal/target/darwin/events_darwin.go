// Copyright 2026 The pmortem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build darwin

package darwin

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pmortem/internal/khandle"
	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/snapshot"
)

// wakeIdent is the EVFILT_USER identifier the exit-probe worker triggers
// to wake the waiter.
const wakeIdent = 1

func closeFD(fd uintptr) error {
	return unix.Close(int(fd))
}

// initKqueue builds the single event queue the Wait loop blocks on:
// process exit keyed by pid, message arrival on the exception port when
// one is installed, and the user wake filter.
func (t *Task) initKqueue() error {
	fd, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("kqueue: %w", err)
	}
	t.kq = khandle.New(uintptr(fd), "kqueue", closeFD)

	changes := []unix.Kevent_t{
		{
			Ident:  uint64(t.pid),
			Filter: unix.EVFILT_PROC,
			Flags:  unix.EV_ADD | unix.EV_ENABLE,
			Fflags: unix.NOTE_EXIT,
		},
		{
			Ident:  wakeIdent,
			Filter: unix.EVFILT_USER,
			Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR,
		},
	}
	if t.excPort != nil {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(t.excPort.Name()),
			Filter: unix.EVFILT_MACHPORT,
			Flags:  unix.EV_ADD | unix.EV_ENABLE,
		})
	}
	if _, err := unix.Kevent(fd, changes, nil, nil); err != nil {
		return fmt.Errorf("kevent registration: %w", err)
	}
	return nil
}

// Wait blocks on the kqueue and maps the firing filter 1:1 onto an Event.
// If the exit filter fires first, no exception message is ever dequeued.
func (t *Task) Wait() (snapshot.Event, error) {
	if t.kq == nil {
		return snapshot.Event{}, errors.New("configuration does not wait for events")
	}
	events := make([]unix.Kevent_t, 1)
	for {
		n, err := unix.Kevent(int(t.kq.Name()), nil, events, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return snapshot.Event{}, fmt.Errorf("kevent wait: %w", err)
		}
		if n == 0 {
			continue
		}
		ev := events[0]
		switch ev.Filter {
		case unix.EVFILT_PROC:
			plog.WithFields(plog.Fields{"pid": t.pid, "status": ev.Data}).Debug("target exited")
			return snapshot.Event{Kind: snapshot.EventExit, ExitCode: int32(ev.Data)}, nil
		case unix.EVFILT_MACHPORT:
			return snapshot.Event{Kind: snapshot.EventException}, nil
		case unix.EVFILT_USER:
			return snapshot.Event{Kind: snapshot.EventStop}, nil
		}
	}
}

// triggerWake fires the user filter on the given kqueue descriptor. It is
// called from the exit-probe worker with its own duplicated descriptor,
// never with the waiter's.
func triggerWake(fd int) error {
	change := []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}
	ts := unix.Timespec{}
	if _, err := unix.Kevent(fd, change, nil, &ts); err != nil {
		return fmt.Errorf("triggering wake filter: %w", err)
	}
	return nil
}
