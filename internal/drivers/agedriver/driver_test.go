package agedriver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	qt "github.com/frankban/quicktest"

	"archfs/internal/driver"
	"archfs/internal/driver/drivertest"
	"archfs/internal/drivers/tardriver"
	"archfs/internal/drivers/zipdriver"
	"archfs/internal/entry"
)

func testKeys(c *qt.C) Keys {
	k, err := Passphrase("correct horse battery staple", 10)
	c.Assert(err, qt.IsNil)
	return k
}

func writeArchive(c *qt.C, d driver.Driver, files map[string]string) []byte {
	ctx := context.Background()
	sink := &drivertest.Sink{Name: "a"}
	out, err := d.NewOutput(ctx, drivertest.NewModel(d.Scheme(), "a.zip.age"), sink, nil)
	c.Assert(err, qt.IsNil)
	for name, data := range files {
		e, err := d.NewEntry(entry.NoOptions, name, entry.File, nil)
		c.Assert(err, qt.IsNil)
		c.Assert(drivertest.WriteEntry(ctx, out, e, []byte(data)), qt.IsNil)
	}
	c.Assert(out.Close(), qt.IsNil)
	return sink.Data()
}

func TestEncryptedRoundTrip(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	files := map[string]string{"secret.txt": "attack at dawn"}

	for _, inner := range []driver.Driver{zipdriver.New(), tardriver.New(tardriver.Gzip)} {
		c.Run(inner.Scheme(), func(c *qt.C) {
			d := New(inner, testKeys(c))
			c.Assert(d.Scheme(), qt.Equals, inner.Scheme()+".age")

			data := writeArchive(c, d, files)
			c.Assert(bytes.Contains(data, []byte("attack at dawn")), qt.IsFalse)
			c.Assert(bytes.HasPrefix(data, []byte("age-encryption.org/v1")), qt.IsTrue)

			in, err := d.NewInput(ctx, drivertest.NewModel(d.Scheme(), "a.zip.age"), &drivertest.Source{Name: "a", Data: data})
			c.Assert(err, qt.IsNil)
			got, err := drivertest.ReadEntry(ctx, in, "secret.txt")
			c.Assert(err, qt.IsNil)
			c.Assert(string(got), qt.Equals, "attack at dawn")
			c.Assert(in.Close(), qt.IsNil)
		})
	}
}

func TestWrongPassphrase(t *testing.T) {
	c := qt.New(t)
	data := writeArchive(c, New(zipdriver.New(), testKeys(c)), map[string]string{"f": "x"})

	wrong, err := Passphrase("hunter2", 10)
	c.Assert(err, qt.IsNil)
	_, err = New(zipdriver.New(), wrong).NewInput(context.Background(),
		drivertest.NewModel("zip.age", "a.zip.age"), &drivertest.Source{Name: "a", Data: data})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestPlainDataIsNotEncrypted(t *testing.T) {
	c := qt.New(t)
	_, err := New(zipdriver.New(), testKeys(c)).NewInput(context.Background(),
		drivertest.NewModel("zip.age", "a.zip.age"), &drivertest.Source{Name: "a", Data: []byte("plain")})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestRawDecoderFollowsInner(t *testing.T) {
	c := qt.New(t)
	_, ok := New(zipdriver.New(), testKeys(c)).(driver.RawDecoder)
	c.Assert(ok, qt.IsTrue)
	_, ok = New(tardriver.New(tardriver.None), testKeys(c)).(driver.RawDecoder)
	c.Assert(ok, qt.IsFalse)
}

func TestIdentityFile(t *testing.T) {
	c := qt.New(t)
	id, err := age.GenerateX25519Identity()
	c.Assert(err, qt.IsNil)
	path := filepath.Join(c.TempDir(), "keys.txt")
	c.Assert(os.WriteFile(path, []byte("# test key\n"+id.String()+"\n"), 0600), qt.IsNil)

	keys, err := LoadIdentityFile(path)
	c.Assert(err, qt.IsNil)
	d := New(zipdriver.New(), keys)
	data := writeArchive(c, d, map[string]string{"k": "v"})

	in, err := d.NewInput(context.Background(), drivertest.NewModel("zip.age", "a.zip.age"), &drivertest.Source{Name: "a", Data: data})
	c.Assert(err, qt.IsNil)
	c.Assert(in.Entry("k"), qt.Not(qt.IsNil))
	c.Assert(in.Close(), qt.IsNil)
}

func TestNoKeys(t *testing.T) {
	c := qt.New(t)
	_, err := New(zipdriver.New(), StaticKeys{}).NewOutput(context.Background(),
		drivertest.NewModel("zip.age", "a.zip.age"), &drivertest.Sink{Name: "a"}, nil)
	c.Assert(err, qt.ErrorIs, ErrNoKeys)
}
