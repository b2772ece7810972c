package proto

import (
	"bytes"
	"testing"

	"bitchatmesh/internal/testutil"
)

func FuzzDecodePacket(f *testing.F) {
	if b, err := Encode(samplePacket()); err == nil {
		f.Add(b)
	}
	f.Add([]byte{1, 0x02, 7, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8})
	f.Add([]byte{2})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.Bound(data)
		testutil.Within(t, testutil.FuzzTimeout, func() {
			p, err := Decode(data)
			if err != nil {
				return
			}
			b, err := Encode(p)
			if err != nil {
				t.Fatalf("re-encode failed: %v", err)
			}
			again, err := Decode(b)
			if err != nil {
				t.Fatalf("decode of re-encoded packet failed: %v", err)
			}
			if !p.Equal(again) {
				t.Fatalf("round-trip mismatch")
			}
		})
	})
}

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 1})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.Bound(data)
		testutil.Within(t, testutil.FuzzTimeout, func() {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}

func FuzzDecodePayloads(f *testing.F) {
	f.Add([]byte{tagAnnounceNickname, 1, 'a'})
	f.Add(EncodeFragment(FragmentHeader{Total: 2, OriginalType: TypeMessage}, []byte("x")))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.Bound(data)
		testutil.Within(t, testutil.FuzzTimeout, func() {
			_, _ = DecodeAnnouncement(data)
			_, _ = DecodePrivateMessage(data)
			_, _ = DecodePublicMessage(data)
			_, _ = DecodeNoisePayload(data)
			_, _, _ = DecodeFragment(data)
			_, _ = DecodeSyncRequest(data)
			_, _ = DecodeFilePacket(data)
		})
	})
}
