package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "mesh:kdf:v1"
	labelKeyI2R    = "mesh:key:i2r:v1"
	labelKeyR2I    = "mesh:key:r2i:v1"
	labelNonceI2R  = "mesh:ns:i2r:v1"
	labelNonceR2I  = "mesh:ns:r2i:v1"
)

type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys expands the handshake secret into directional keys. The
// initiator's send key is the responder's receive key.
func DeriveSessionKeys(ss, transcript []byte, initiator bool) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, ErrEmptyKey
	}
	master := KDF(labelKDFMaster, ss, transcript)
	i2r := KDF(labelKeyI2R, master)
	r2i := KDF(labelKeyR2I, master)
	nsI2R := KDF(labelNonceI2R, master)[:XNonceSize]
	nsR2I := KDF(labelNonceR2I, master)[:XNonceSize]
	if initiator {
		return SessionKeys{Master: master, SendKey: i2r, RecvKey: r2i, NonceBaseSend: nsI2R, NonceBaseRecv: nsR2I}, nil
	}
	return SessionKeys{Master: master, SendKey: r2i, RecvKey: i2r, NonceBaseSend: nsR2I, NonceBaseRecv: nsI2R}, nil
}

func (k *SessionKeys) Wipe() {
	for _, b := range [][]byte{k.Master, k.SendKey, k.RecvKey, k.NonceBaseSend, k.NonceBaseRecv} {
		for i := range b {
			b[i] = 0
		}
	}
}

func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
