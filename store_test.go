package blockcrypt

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			log := logrus.New()
			log.SetLevel(logrus.ErrorLevel)
			s, err := OpenBadgerStore("", true, log)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_Meta(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.GetMeta("/a.txt")
			assert.ErrorIs(t, err, ErrNotFound)

			want := FileMeta{UnencryptedSize: 1 << 40, Encrypted: true, ModuleID: "AES256GCM"}
			require.NoError(t, s.PutMeta("/a.txt", want))

			got, err := s.GetMeta("a.txt")
			require.NoError(t, err)
			assert.Equal(t, want, got, "names are normalized")

			require.NoError(t, s.DeleteMeta("/x/../a.txt"))
			_, err = s.GetMeta("/a.txt")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.DeleteMeta("/never-existed"))
		})
	}
}

func TestStore_Keys(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			rec := &KeyRecord{
				KeyID:      "k1",
				Salt:       []byte{1, 2, 3},
				WrappedKey: []byte{4, 5, 6, 7},
				Users:      []string{"alice", "bob"},
				Groups:     []string{"admins"},
			}
			require.NoError(t, s.PutKey("/dir/a", "AES256GCM", rec))
			require.NoError(t, s.PutKey("/dir/a", "CHACHA20POLY1305", &KeyRecord{KeyID: "k2"}))
			// a sibling sharing the name prefix must not be touched
			require.NoError(t, s.PutKey("/dir/ab", "AES256GCM", &KeyRecord{KeyID: "k3"}))

			got, err := s.GetKey("/dir/a", "AES256GCM")
			require.NoError(t, err)
			assert.Equal(t, rec, got)

			_, err = s.GetKey("/dir/a", "OTHER")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.CopyKeys("/dir/a", "/copy"))
			got, err = s.GetKey("/copy", "CHACHA20POLY1305")
			require.NoError(t, err)
			assert.Equal(t, "k2", got.KeyID)

			require.NoError(t, s.RenameKeys("/dir/a", "/moved"))
			_, err = s.GetKey("/dir/a", "AES256GCM")
			assert.ErrorIs(t, err, ErrNotFound)
			got, err = s.GetKey("/moved", "AES256GCM")
			require.NoError(t, err)
			assert.Equal(t, rec, got)

			got, err = s.GetKey("/dir/ab", "AES256GCM")
			require.NoError(t, err)
			assert.Equal(t, "k3", got.KeyID)

			require.NoError(t, s.DeleteKeys("/moved"))
			_, err = s.GetKey("/moved", "CHACHA20POLY1305")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetKey("/copy", "AES256GCM")
			assert.NoError(t, err)

			assert.True(t, IsValidationError(s.PutKey("/x", "m", nil)))
		})
	}
}

func TestStore_RelocateReplacesDestination(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.PutKey("/src", "A", &KeyRecord{KeyID: "src"}))
			require.NoError(t, s.PutKey("/dst", "A", &KeyRecord{KeyID: "old"}))
			require.NoError(t, s.PutKey("/dst", "B", &KeyRecord{KeyID: "stale"}))

			require.NoError(t, s.RenameKeys("/src", "/dst"))

			got, err := s.GetKey("/dst", "A")
			require.NoError(t, err)
			assert.Equal(t, "src", got.KeyID)
			_, err = s.GetKey("/dst", "B")
			assert.ErrorIs(t, err, ErrNotFound)

			// same path is a no-op
			require.NoError(t, s.RenameKeys("/dst", "dst"))
			_, err = s.GetKey("/dst", "A")
			assert.NoError(t, err)
		})
	}
}

func TestKeyRecordEncoding_RejectsTruncated(t *testing.T) {
	raw, err := encodeKeyRecord(&KeyRecord{KeyID: "id", Salt: []byte{1}, WrappedKey: []byte{2}, Users: []string{"u"}})
	require.NoError(t, err)

	for i := 0; i < len(raw); i++ {
		_, err := decodeKeyRecord(raw[:i])
		assert.Error(t, err, "prefix of %d bytes", i)
	}
	_, err = decodeMeta([]byte{9, 0})
	assert.Error(t, err)
}
