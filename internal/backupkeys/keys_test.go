package backupkeys

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func testAccount(t *testing.T) AccountID {
	t.Helper()
	id, err := ParseAccountID("6d6c0c57-6f5b-4b0e-9d6b-3a5f0d6a2f11")
	if err != nil {
		t.Fatalf("ParseAccountID() error = %v", err)
	}
	return id
}

func testMessageKey(t *testing.T, fill byte) MessageBackupKey {
	t.Helper()
	k, err := MessageBackupKeyFromBytes(bytes.Repeat([]byte{fill}, KeyLength))
	if err != nil {
		t.Fatalf("MessageBackupKeyFromBytes() error = %v", err)
	}
	return k
}

func testMediaKey(t *testing.T, fill byte) MediaRootBackupKey {
	t.Helper()
	k, err := MediaRootBackupKeyFromBytes(bytes.Repeat([]byte{fill}, KeyLength))
	if err != nil {
		t.Fatalf("MediaRootBackupKeyFromBytes() error = %v", err)
	}
	return k
}

func TestDeriveBackupID(t *testing.T) {
	account := testAccount(t)

	t.Run("deterministic for both root kinds", func(t *testing.T) {
		roots := map[string]RootKey{
			"message": testMessageKey(t, 0x01),
			"media":   testMediaKey(t, 0x01),
		}
		for name, root := range roots {
			first := root.DeriveBackupID(account)
			second := root.DeriveBackupID(account)
			if first != second {
				t.Errorf("%s: DeriveBackupID() not deterministic: %x != %x", name, first, second)
			}
			if len(first) != BackupIDLength {
				t.Errorf("%s: len = %d, want %d", name, len(first), BackupIDLength)
			}
		}
	})

	t.Run("differs by account and by secret", func(t *testing.T) {
		key := testMessageKey(t, 0x01)
		other := AccountID(uuid.MustParse("00000000-0000-4000-8000-000000000001"))

		if key.DeriveBackupID(account) == key.DeriveBackupID(other) {
			t.Error("same backup id for different accounts")
		}
		if key.DeriveBackupID(account) == testMessageKey(t, 0x02).DeriveBackupID(account) {
			t.Error("same backup id for different root secrets")
		}
	})
}

func TestBackupIDFromBytes_PanicsOnWrongLength(t *testing.T) {
	for _, n := range []int{0, 15, 17, 32} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("BackupIDFromBytes(%d bytes) did not panic", n)
				}
			}()
			BackupIDFromBytes(make([]byte, n))
		})
	}
}

func TestMediaIDFromBytes_PanicsOnWrongLength(t *testing.T) {
	for _, n := range []int{0, 14, 16} {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("MediaIDFromBytes(%d bytes) did not panic", n)
				}
			}()
			MediaIDFromBytes(make([]byte, n))
		})
	}
}

func TestDeriveMediaID(t *testing.T) {
	key := testMediaKey(t, 0x07)
	hash := bytes.Repeat([]byte{0xaa}, 32)
	remoteKey := bytes.Repeat([]byte{0xbb}, 64)

	name := MediaNameFromPlaintextHashAndRemoteKey(hash, remoteKey)
	again := MediaNameFromPlaintextHashAndRemoteKey(hash, remoteKey)
	if name != again {
		t.Fatalf("media name not deterministic: %q != %q", name, again)
	}

	id := key.DeriveMediaID(name)
	if id != key.DeriveMediaID(again) {
		t.Error("identical names produced different media ids")
	}
	if len(id) != MediaIDLength {
		t.Errorf("len = %d, want %d", len(id), MediaIDLength)
	}

	thumb := ThumbnailMediaNameFromPlaintextHashAndRemoteKey(hash, remoteKey)
	if thumb != name+"_thumbnail" {
		t.Errorf("thumbnail name = %q, want %q", thumb, name+"_thumbnail")
	}
	if key.DeriveMediaID(thumb) == id {
		t.Error("thumbnail shares the full-size media id")
	}

	if strings.ContainsAny(id.Encode(), "+/=") {
		t.Errorf("Encode() = %q, want unpadded url-safe base64", id.Encode())
	}
}

func TestLocalBackupMediaName(t *testing.T) {
	hash := bytes.Repeat([]byte{0x01}, 32)

	a := LocalBackupMediaName(hash, []byte("local-key-a"))
	b := LocalBackupMediaName(hash, []byte("local-key-b"))
	if a == b {
		t.Error("different local keys produced the same filename")
	}
	if a != LocalBackupMediaName(hash, []byte("local-key-a")) {
		t.Error("local filename not deterministic")
	}
	remote := MediaNameFromPlaintextHashAndRemoteKey(hash, []byte("local-key-a"))
	if a == remote {
		t.Error("local filename equals remote media name")
	}
}

func TestDeriveMediaSecrets_SplitsCombinedKey(t *testing.T) {
	key := testMediaKey(t, 0x03)
	name := MediaName("abc")

	secrets := key.DeriveMediaSecrets(name)
	combined := hkdfPrimitives.DeriveMediaEncryptionKey(key.value[:], secrets.ID[:])

	if !bytes.Equal(secrets.MacKey[:], combined[:32]) {
		t.Error("MacKey is not bytes [0,32) of the combined key")
	}
	if !bytes.Equal(secrets.AESKey[:], combined[32:]) {
		t.Error("AESKey is not bytes [32,64) of the combined key")
	}
	if secrets.ID != key.DeriveMediaID(name) {
		t.Error("secrets id differs from DeriveMediaID")
	}

	thumb := key.DeriveThumbnailTransitKey(name.Thumbnail())
	if thumb.AESKey == key.DeriveMediaSecrets(name.Thumbnail()).AESKey {
		t.Error("thumbnail transit key equals archive key")
	}
}

func TestDeriveBackupSecrets_ForwardSecrecyToken(t *testing.T) {
	key := testMessageKey(t, 0x05)
	account := testAccount(t)

	token, err := ForwardSecrecyTokenFromBytes(bytes.Repeat([]byte{0x42}, ForwardSecrecyTokenLength))
	if err != nil {
		t.Fatalf("ForwardSecrecyTokenFromBytes() error = %v", err)
	}
	other, _ := ForwardSecrecyTokenFromBytes(bytes.Repeat([]byte{0x43}, ForwardSecrecyTokenLength))

	withToken := key.DeriveBackupSecrets(account, &token)
	withoutToken := key.DeriveBackupSecrets(account, nil)
	withOther := key.DeriveBackupSecrets(account, &other)

	if withToken.ID != withoutToken.ID {
		t.Error("backup id must not depend on the token")
	}
	if withToken.AESKey == withoutToken.AESKey || withToken.MacKey == withoutToken.MacKey {
		t.Error("token was ignored by the derivation")
	}
	if withToken.AESKey == withOther.AESKey {
		t.Error("different tokens produced the same key")
	}
	if withoutToken != key.DeriveBackupSecrets(account, nil) {
		t.Error("token-less derivation not deterministic")
	}

	if _, err := ForwardSecrecyTokenFromBytes(make([]byte, 31)); err == nil {
		t.Error("short token accepted")
	}
}

func TestDeriveECKey(t *testing.T) {
	account := testAccount(t)
	key := testMediaKey(t, 0x09)

	priv := key.DeriveECKey(account)
	if !priv.Equal(key.DeriveECKey(account)) {
		t.Fatal("DeriveECKey() not deterministic")
	}

	msg := []byte("presentation")
	sig := ed25519.Sign(priv, msg)
	if !ed25519.Verify(priv.Public().(ed25519.PublicKey), msg, sig) {
		t.Error("signature from derived key does not verify")
	}

	// Both root kinds share the EC derivation.
	if !priv.Equal(testMessageKey(t, 0x09).DeriveECKey(account)) {
		t.Error("root kinds with identical bytes derived different EC keys")
	}
	if priv.Equal(key.DeriveECKey(AccountID(uuid.New()))) {
		t.Error("EC key does not depend on the account")
	}
}

func TestDeriveLocalBackupMetadataKey(t *testing.T) {
	key := testMessageKey(t, 0x0c)
	local := key.DeriveLocalBackupMetadataKey()
	if len(local) != KeyLength {
		t.Fatalf("len = %d, want %d", len(local), KeyLength)
	}

	remote := key.DeriveBackupSecrets(testAccount(t), nil)
	if bytes.Equal(local, remote.AESKey[:]) || bytes.Equal(local, remote.MacKey[:]) {
		t.Error("local metadata key reuses a CDN key")
	}
}

func TestKeyConstructorsRejectBadLengths(t *testing.T) {
	if _, err := MessageBackupKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("MessageBackupKeyFromBytes accepted 31 bytes")
	}
	if _, err := MediaRootBackupKeyFromBytes(make([]byte, 33)); err == nil {
		t.Error("MediaRootBackupKeyFromBytes accepted 33 bytes")
	}
	if _, err := DeriveMessageBackupKey(make([]byte, 8)); err == nil {
		t.Error("DeriveMessageBackupKey accepted 8 bytes")
	}
}

func TestGenerateMediaRootBackupKey(t *testing.T) {
	k, err := GenerateMediaRootBackupKey(bytes.NewReader(bytes.Repeat([]byte{0x11}, 64)))
	if err != nil {
		t.Fatalf("GenerateMediaRootBackupKey() error = %v", err)
	}
	if !bytes.Equal(k.Bytes(), bytes.Repeat([]byte{0x11}, 32)) {
		t.Error("key does not match reader contents")
	}

	if _, err := GenerateMediaRootBackupKey(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Error("short reader accepted")
	}
}

func TestKeysAreRedactedWhenFormatted(t *testing.T) {
	key := testMessageKey(t, 0x41)
	for _, out := range []string{fmt.Sprint(key), fmt.Sprintf("%v", key), fmt.Sprintf("%#v", key)} {
		if strings.Contains(out, "AAAA") || strings.Contains(out, "41") {
			t.Errorf("formatted key leaks material: %q", out)
		}
	}
}
