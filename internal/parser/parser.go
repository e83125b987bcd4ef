// Package parser extracts run execution metadata from raw transactions.
//
// A run transaction carries an output script of the form
//
//	OP_FALSE OP_RETURN "run" <version> <app> <payload>
//
// where payload is a JSON object describing the references, creations and
// instructions of the enclosed program.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
)

var (
	ErrInvalidTx       = errors.New("failed to parse transaction")
	ErrNoRunEnvelope   = errors.New("transaction carries no run envelope")
	ErrInvalidEnvelope = errors.New("malformed run envelope")
)

const runProtocolVersion = 0x05

var runProtocolPrefix = []byte("run")

var locationRegexp = regexp.MustCompile(`^([0-9a-f]{64})_[od][0-9]+`)

// ParsedTx is the result of parsing one raw transaction.
type ParsedTx struct {
	Txid       string
	Executable bool
	HasCode    bool
	Deps       []string
	Inputs     []string
	Outputs    []string
}

type runPayload struct {
	In   int               `json:"in"`
	Ref  []string          `json:"ref"`
	Out  []string          `json:"out"`
	Del  []string          `json:"del"`
	Cre  []json.RawMessage `json:"cre"`
	Exec []runInstruction  `json:"exec"`
}

type runInstruction struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Parse decodes the raw transaction and, if it carries a run envelope, its
// execution metadata. A transaction without an envelope is returned with
// Executable=false and only its input and output locations filled in.
func Parse(rawTx []byte) (*ParsedTx, error) {
	tx, err := bt.NewTxFromBytes(rawTx)
	if err != nil {
		return nil, errors.Join(ErrInvalidTx, err)
	}

	parsed := &ParsedTx{
		Txid:    tx.TxID(),
		Inputs:  inputLocations(tx),
		Outputs: outputLocations(tx),
	}

	payload, err := findEnvelope(tx)
	if err != nil {
		if errors.Is(err, ErrNoRunEnvelope) {
			return parsed, nil
		}
		return nil, err
	}

	parsed.Executable = true
	for _, instruction := range payload.Exec {
		if instruction.Op == "DEPLOY" {
			parsed.HasCode = true
			break
		}
	}
	parsed.Deps = depTxids(payload, parsed.Txid)

	return parsed, nil
}

// IsExecutable is the best-effort classifier used when deciding whether an
// execution failure poisons downstream transactions.
func IsExecutable(rawTx []byte) bool {
	tx, err := bt.NewTxFromBytes(rawTx)
	if err != nil {
		return false
	}

	_, err = findEnvelope(tx)
	return err == nil
}

func findEnvelope(tx *bt.Tx) (*runPayload, error) {
	for _, out := range tx.Outputs {
		if out.LockingScript == nil {
			continue
		}

		script := []byte(*out.LockingScript)
		if len(script) < 2 || script[0] != bscript.OpFALSE || script[1] != bscript.OpRETURN {
			continue
		}

		parts, err := bscript.DecodeParts(script[2:])
		if err != nil || len(parts) < 4 {
			continue
		}
		if string(parts[0]) != string(runProtocolPrefix) {
			continue
		}
		if len(parts[1]) != 1 || parts[1][0] != runProtocolVersion {
			return nil, errors.Join(ErrInvalidEnvelope, fmt.Errorf("unsupported run version %x", parts[1]))
		}

		payload := &runPayload{}
		if err = json.Unmarshal(parts[3], payload); err != nil {
			return nil, errors.Join(ErrInvalidEnvelope, err)
		}

		return payload, nil
	}

	return nil, ErrNoRunEnvelope
}

// depTxids collects the distinct upstream txids referenced by the payload,
// in order of appearance, excluding self-references and builtin bindings.
func depTxids(payload *runPayload, selfTxid string) []string {
	var deps []string
	seen := map[string]bool{selfTxid: true}

	for _, ref := range payload.Ref {
		match := locationRegexp.FindStringSubmatch(ref)
		if match == nil {
			continue
		}
		txid := match[1]
		if seen[txid] {
			continue
		}
		seen[txid] = true
		deps = append(deps, txid)
	}

	return deps
}

func inputLocations(tx *bt.Tx) []string {
	var locations []string
	for _, input := range tx.Inputs {
		prevTxid := input.PreviousTxIDStr()
		if prevTxid == "0000000000000000000000000000000000000000000000000000000000000000" {
			continue
		}
		locations = append(locations, fmt.Sprintf("%s_o%d", prevTxid, input.PreviousTxOutIndex))
	}
	return locations
}

func outputLocations(tx *bt.Tx) []string {
	txid := tx.TxID()
	locations := make([]string, 0, len(tx.Outputs))
	for vout := range tx.Outputs {
		locations = append(locations, fmt.Sprintf("%s_o%d", txid, vout))
	}
	return locations
}
