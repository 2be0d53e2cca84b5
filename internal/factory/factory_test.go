package factory

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/provider/quark"
)

const quarkCookie = "__puus=abc; __pus=def"

func TestCreate_SameCredentialSameInstance(t *testing.T) {
	f := New(nil)

	a1, err := f.Create(drive.Quark, quarkCookie, drive.Options{Account: "q1"})
	require.NoError(t, err)

	a2, err := f.Create(drive.Quark, quarkCookie, drive.Options{Account: "q1"})
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, f.Len())

	other, err := f.Create(drive.Quark, quarkCookie+"x", drive.Options{})
	require.NoError(t, err)
	assert.NotSame(t, a1, other)

	uc, err := f.Create(drive.UC, quarkCookie, drive.Options{})
	require.NoError(t, err)
	assert.NotSame(t, a1, uc)
	assert.Equal(t, drive.UC, uc.Provider())
	assert.Equal(t, 3, f.Len())
}

func TestClearCache_BuildsFreshInstance(t *testing.T) {
	f := New(nil)

	a1, err := f.Create(drive.Quark, quarkCookie, drive.Options{})
	require.NoError(t, err)

	f.ClearCache()
	assert.Equal(t, 0, f.Len())

	a2, err := f.Create(drive.Quark, quarkCookie, drive.Options{})
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
}

func TestLookupRekeyEvict(t *testing.T) {
	f := New(nil)

	_, ok := f.Lookup(drive.Quark, quarkCookie)
	assert.False(t, ok, "lookup never builds")

	a1, err := f.Create(drive.Quark, quarkCookie, drive.Options{})
	require.NoError(t, err)

	got, ok := f.Lookup(drive.Quark, quarkCookie)
	require.True(t, ok)
	assert.Same(t, a1, got)

	require.True(t, f.Rekey(drive.Quark, quarkCookie, quarkCookie+"2"))
	_, ok = f.Lookup(drive.Quark, quarkCookie)
	assert.False(t, ok)

	a2, err := f.Create(drive.Quark, quarkCookie+"2", drive.Options{})
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	assert.False(t, f.Rekey(drive.Quark, "missing", "x"))

	assert.True(t, f.Evict(drive.Quark, quarkCookie+"2"))
	assert.False(t, f.Evict(drive.Quark, quarkCookie+"2"))
	assert.Equal(t, 0, f.Len())
}

func TestCreate_UnknownProvider(t *testing.T) {
	f := New(nil)

	_, err := f.Create("dropbox", "x", drive.Options{})
	require.ErrorIs(t, err, ErrNoAdapter)
	assert.Contains(t, err.Error(), "dropbox")
}

func TestCreate_ConstructorFailureIsNotCached(t *testing.T) {
	f := New(nil)

	_, err := f.Create(drive.Baidu, "STOKEN=only", drive.Options{})
	require.ErrorIs(t, err, ErrNoAdapter)
	assert.ErrorIs(t, err, drive.ErrBadInput)
	assert.Equal(t, 0, f.Len())
}

func TestCreate_ConcurrentCallsBuildOnce(t *testing.T) {
	f := New(nil)

	var builds atomic.Int32

	release := make(chan struct{})

	f.RegisterProvider(drive.Quark, func(secret string, opts drive.Options) (drive.Adapter, error) {
		builds.Add(1)
		<-release

		return quark.NewQuark(secret, opts)
	})

	const callers = 8

	var wg sync.WaitGroup

	got := make([]drive.Adapter, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			a, err := f.Create(drive.Quark, quarkCookie, drive.Options{})
			assert.NoError(t, err)

			got[i] = a
		}()
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())

	for _, a := range got[1:] {
		assert.Same(t, got[0], a)
	}
}

func TestDetectProvider(t *testing.T) {
	f := New(nil)

	tests := []struct {
		url  string
		want drive.ProviderID
		ok   bool
	}{
		{"https://pan.quark.cn/s/abc123", drive.Quark, true},
		{"https://115.com/s/sw1?password=x", drive.Cloud115, true},
		{"https://115cdn.com/s/sw1", drive.Cloud115, true},
		{"https://anxia.com/s/sw1", drive.Cloud115, true},
		{"https://pan.baidu.com/s/1abc", drive.Baidu, true},
		{"https://pan.xunlei.com/s/VNabc", drive.Xunlei, true},
		{"https://www.alipan.com/s/abc", drive.Aliyun, true},
		{"https://www.aliyundrive.com/s/abc", drive.Aliyun, true},
		{"https://drive.uc.cn/s/abc", drive.UC, true},
		{"https://example.com/s/abc", "", false},
	}

	for _, tt := range tests {
		got, ok := f.DetectProvider(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

func TestRegisterPattern_Order(t *testing.T) {
	f := New(nil)

	require.NoError(t, f.RegisterPattern(`pan\.quark\.cn/special`, drive.UC))

	got, _ := f.DetectProvider("https://pan.quark.cn/special/abc")
	assert.Equal(t, drive.Quark, got, "appended patterns lose to built-ins")

	require.NoError(t, f.PrependPattern(`pan\.quark\.cn/special`, drive.UC))

	got, _ = f.DetectProvider("https://pan.quark.cn/special/abc")
	assert.Equal(t, drive.UC, got)

	require.NoError(t, f.RegisterPattern(`mirror\.example\.org`, drive.Baidu))

	got, ok := f.DetectProvider("https://mirror.example.org/s/1x")
	assert.True(t, ok)
	assert.Equal(t, drive.Baidu, got)

	assert.Error(t, f.RegisterPattern(`(`, drive.Baidu))
}

func TestCreateByURL(t *testing.T) {
	f := New(nil)

	a, err := f.CreateByURL("https://drive.uc.cn/s/abc", quarkCookie, drive.Options{})
	require.NoError(t, err)
	assert.Equal(t, drive.UC, a.Provider())

	_, err = f.CreateByURL("https://example.com/s/abc", quarkCookie, drive.Options{})
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestKey(t *testing.T) {
	k := Key(drive.Cloud115, "UID=1; CID=2")

	assert.Regexp(t, `^115:[0-9a-f]{16}$`, k)
	assert.Equal(t, k, Key(drive.Cloud115, "UID=1; CID=2"))
	assert.NotEqual(t, k, Key(drive.Quark, "UID=1; CID=2"))
	assert.NotContains(t, k, "UID")
}

func TestKnown(t *testing.T) {
	f := New(nil)

	for id := range DefaultConstructors() {
		assert.True(t, f.Known(id), id)
	}

	assert.False(t, f.Known("dropbox"))
}
