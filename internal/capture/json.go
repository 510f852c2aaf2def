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

package capture

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/talismancer/pmortem/internal/snapshot"
)

// The JSON sink mirrors the gathered snapshot for consumers that want the
// module table and backtraces without parsing a dump. Addresses are
// rendered as hex strings so the document survives tools that round JSON
// numbers through float64.

type jsonModule struct {
	Path        string `json:"path"`
	LoadAddress string `json:"load_address"`
	TextStart   string `json:"text_start,omitempty"`
	TextEnd     string `json:"text_end,omitempty"`
	ExitSymbol  string `json:"exit_symbol,omitempty"`
}

type jsonFrame struct {
	Depth   uint32 `json:"depth"`
	Address string `json:"address"`
	Module  string `json:"module,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

type jsonException struct {
	Kind    int32  `json:"kind"`
	Code    int32  `json:"code"`
	Subcode *int32 `json:"subcode,omitempty"`
}

type jsonThread struct {
	ID        uint64         `json:"id"`
	Exception *jsonException `json:"exception,omitempty"`
	Backtrace []jsonFrame    `json:"backtrace"`
}

type jsonSnapshot struct {
	Modules []jsonModule `json:"modules"`
	Threads []jsonThread `json:"threads"`
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// WriteJSON encodes the snapshot to w.
func WriteJSON(w io.Writer, snap *snapshot.Snapshot) error {
	doc := jsonSnapshot{
		Modules: make([]jsonModule, 0, len(snap.Modules)),
		Threads: make([]jsonThread, 0, len(snap.Threads)),
	}
	for _, m := range snap.Modules {
		jm := jsonModule{Path: m.Path, LoadAddress: hex(m.LoadAddr)}
		if m.TextRange != nil {
			jm.TextStart = hex(m.TextRange.Start)
			jm.TextEnd = hex(m.TextRange.End)
		}
		if m.ExitSymbol != nil {
			jm.ExitSymbol = hex(*m.ExitSymbol)
		}
		doc.Modules = append(doc.Modules, jm)
	}
	for _, th := range snap.Threads {
		jt := jsonThread{ID: th.ID, Backtrace: make([]jsonFrame, 0, len(th.Backtrace))}
		if th.Exception != nil {
			exc := &jsonException{Subcode: th.Exception.MachSubcode}
			switch th.Exception.Platform {
			case snapshot.ExceptionMach:
				exc.Kind = th.Exception.MachKind
				exc.Code = th.Exception.MachCode
			case snapshot.ExceptionWindows:
				exc.Kind = int32(th.Exception.WinExceptionCode)
			}
			jt.Exception = exc
		}
		for _, f := range th.Backtrace {
			jf := jsonFrame{Depth: f.Depth, Address: hex(f.Address), Symbol: f.Symbol}
			if f.Module != nil {
				jf.Module = f.Module.Path
			}
			jt.Backtrace = append(jt.Backtrace, jf)
		}
		doc.Threads = append(doc.Threads, jt)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
