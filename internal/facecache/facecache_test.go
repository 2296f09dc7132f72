package facecache_test

import (
	"bytes"
	"crypto/md5"
	"image"
	"image/jpeg"
	"math/rand"
	"testing"

	"github.com/maolilup/TiShiNengRunning/internal/facecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, image.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCacheSaveListPick(t *testing.T) {
	cache := facecache.New(t.TempDir())
	rnd := rand.New(rand.NewSource(1))

	// empty cache
	path, data, err := cache.Pick("7", "42", rnd)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Nil(t, data)

	img := testJPEG(t)
	_, err = cache.Save("7", "42", "face-1", ".jpg", img)
	require.NoError(t, err)
	_, err = cache.Save("7", "42", "face-2", "png", img)
	require.NoError(t, err)

	paths, err := cache.List("7", "42")
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	// other accounts stay isolated
	paths, err = cache.List("7", "43")
	require.NoError(t, err)
	assert.Empty(t, paths)

	path, data, err = cache.Pick("7", "42", rnd)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, img, data)
}

func TestPerturbChangesHashKeepsValidity(t *testing.T) {
	original := testJPEG(t)

	perturbed := facecache.Perturb(original, rand.New(rand.NewSource(2)))
	assert.NotEqual(t, md5.Sum(original), md5.Sum(perturbed))

	_, err := jpeg.Decode(bytes.NewReader(perturbed))
	assert.NoError(t, err)
}

func TestPerturbPassesThroughGarbage(t *testing.T) {
	garbage := []byte("not an image")
	assert.Equal(t, garbage, facecache.Perturb(garbage, rand.New(rand.NewSource(3))))
	assert.Empty(t, facecache.Perturb(nil, rand.New(rand.NewSource(3))))
}
