package native

import (
	"errors"
	"fmt"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/wire"
)

// LoaderInterface is served by the module loader: a one-shot request keyed by
// a content hash, answered with the module binary or a not-found failure.
var LoaderInterface = InterfaceHashOf("loader")

// ErrModuleNotFound is returned by DecodeLoadResponse when the loader has no
// module for the requested hash.
var ErrModuleNotFound = errors.New("netmgr: module not found")

const (
	loaderFieldHash   = 1
	loaderFieldModule = 2
	loaderFieldFound  = 3
)

// EncodeLoadRequest builds the request for the module with the given hash.
func EncodeLoadRequest(hash [32]byte) EncodedMessage {
	return wire.NewBuilder().Bytes(loaderFieldHash, hash[:]).Encode()
}

// DecodeLoadRequest extracts the requested hash.
func DecodeLoadRequest(msg EncodedMessage) ([32]byte, error) {
	var hash [32]byte
	m, err := wire.Decode(msg)
	if err != nil {
		return hash, err
	}
	b, ok := m.Bytes(loaderFieldHash)
	if !ok || len(b) != len(hash) {
		return hash, fmt.Errorf("load request hash: %w", core.ErrMalformedMessage)
	}
	copy(hash[:], b)
	return hash, nil
}

// EncodeLoadResponse builds the loader answer; a nil module means not found.
func EncodeLoadResponse(module []byte) EncodedMessage {
	w := wire.NewBuilder().Bool(loaderFieldFound, module != nil)
	if module != nil {
		w.Bytes(loaderFieldModule, module)
	}
	return w.Encode()
}

// DecodeLoadResponse returns the module binary carried by a loader answer.
func DecodeLoadResponse(msg EncodedMessage) ([]byte, error) {
	m, err := wire.Decode(msg)
	if err != nil {
		return nil, err
	}
	if !m.Bool(loaderFieldFound) {
		return nil, ErrModuleNotFound
	}
	module, _ := m.Bytes(loaderFieldModule)
	return module, nil
}
