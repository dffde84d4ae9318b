package util

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voteledger/meta"
)

func TestCalHash(t *testing.T) {
	//sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := CalHash([]byte("abc")); got != want {
		t.Fatalf("CalHash(abc) = %s, want %s", got, want)
	}
}

func TestCalBlockHash(t *testing.T) {
	b := meta.Block{Index: 3, Timestamp: 1700000000000, ElectionID: "e1", CandidateID: "c1",
		VoterHash: VoterHash("alice"), PreviousHash: strings.Repeat("0", 64), Nonce: 9}

	t.Run("deterministic", func(t *testing.T) {
		if CalBlockHash(b) != CalBlockHash(b) {
			t.Fatal("hash differs between calls")
		}
		if len(CalBlockHash(b)) != 64 {
			t.Fatalf("hash length %d", len(CalBlockHash(b)))
		}
	})

	t.Run("ignores stored hash", func(t *testing.T) {
		c := b
		c.Hash = "anything"
		if CalBlockHash(c) != CalBlockHash(b) {
			t.Fatal("stored hash leaked into computation")
		}
	})

	t.Run("field boundaries matter", func(t *testing.T) {
		c := b
		c.ElectionID, c.CandidateID = "e", "1c1"
		if CalBlockHash(c) == CalBlockHash(b) {
			t.Fatal("shifting bytes between fields kept the hash")
		}
	})

	t.Run("every field is covered", func(t *testing.T) {
		mutations := []func(*meta.Block){
			func(x *meta.Block) { x.Index++ },
			func(x *meta.Block) { x.Timestamp++ },
			func(x *meta.Block) { x.ElectionID = "e2" },
			func(x *meta.Block) { x.CandidateID = "c2" },
			func(x *meta.Block) { x.VoterHash = VoterHash("bob") },
			func(x *meta.Block) { x.PreviousHash = strings.Repeat("1", 64) },
			func(x *meta.Block) { x.Nonce++ },
		}
		for i, m := range mutations {
			c := b
			m(&c)
			if CalBlockHash(c) == CalBlockHash(b) {
				t.Errorf("mutation %d did not change the hash", i)
			}
		}
	})
}

func TestVoterHash(t *testing.T) {
	if VoterHash("alice") != VoterHash("alice") {
		t.Fatal("voter hash not deterministic")
	}
	if VoterHash("alice") == VoterHash("bob") {
		t.Fatal("distinct voters share a hash")
	}
	if VoterHash("alice") == CalHash([]byte("alice")) {
		t.Fatal("voter hash is not salted")
	}
}

func TestZstd(t *testing.T) {
	hash := "dsdadfafdff121e3edeeejfehu4ru4fneffferf"
	buff := make([]byte, 0)
	for i := 0; i < 10000; i++ {
		buff = append(buff, []byte(hash)...)
	}
	c, err := Compress(buff)
	if err != nil {
		t.Fatal(err)
	}
	if len(c) >= len(buff) {
		t.Errorf("compressed %d bytes into %d", len(buff), len(c))
	}
	d, err := DeCompress(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d, buff) {
		t.Fatal("round trip mismatch")
	}
}

func TestSign(t *testing.T) {
	prv, pub, err := GetKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("block")
	sg, err := Sign(data, prv)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySign(data, sg, pub) {
		t.Fatal("valid signature rejected")
	}
	if VerifySign([]byte("other"), sg, pub) {
		t.Fatal("signature accepted for different data")
	}
	if VerifySign(data, sg, []byte("garbage")) {
		t.Fatal("garbage key accepted")
	}
}

func TestLoadOrCreateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.pem")
	if IsExist(path) {
		t.Fatal("key exists before creation")
	}
	prv1, pub1, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	if !IsExist(path) {
		t.Fatal("key file not written")
	}
	prv2, pub2, err := LoadOrCreateKeyPair(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(prv1, prv2) || !bytes.Equal(pub1, pub2) {
		t.Fatal("reloaded key differs")
	}
}
