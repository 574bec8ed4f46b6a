package gcs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"reflect"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/relaysync/xfer"
	"github.com/relaysync/xfer/hash"
)

func TestEachHexPrefix(t *testing.T) {
	want := []string{
		"e67b", "e67c", "e67d", "e67e", "e67f",
		"e68", "e69", "e6a", "e6b", "e6c", "e6d", "e6e", "e6f",
		"e7", "e8", "e9", "ea", "eb", "ec", "ed", "ee", "ef",
		"f",
	}
	var got []string
	err := eachHexPrefix("e67a", false, func(prefix string) error {
		got = append(got, prefix)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

const (
	credsVar = "XFER_GCS_TESTING_CREDS"
	projVar  = "XFER_GCS_TESTING_PROJECT"
)

func withBucket(t *testing.T, f func(context.Context, *storage.BucketHandle)) {
	var (
		creds     = os.Getenv(credsVar)
		projectID = os.Getenv(projVar)
	)
	if creds == "" || projectID == "" {
		t.Skipf("to run %s, set %s to the name of a credentials file and %s to a project ID", t.Name(), credsVar, projVar)
	}

	var r [30]byte
	if _, err := rand.Read(r[:]); err != nil {
		t.Fatal(err)
	}
	bucketName := hex.EncodeToString(r[:])

	ctx := context.Background()
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(creds))
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("creating bucket %s in project %s", bucketName, projectID)

	bucket := client.Bucket(bucketName)
	if err := bucket.Create(ctx, projectID, nil); err != nil {
		t.Fatal(err)
	}
	defer bucket.Delete(ctx)

	f(ctx, bucket)
}

func TestGCSPutGet(t *testing.T) {
	withBucket(t, func(ctx context.Context, bucket *storage.BucketHandle) {
		s := New(bucket)

		content := []byte("hello from gcs")
		name := xfer.Name(hash.OneShot(hash.SHA3_256, content))

		id, err := s.Put(ctx, name, content, xfer.Zero, false)
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(content) {
			t.Fatalf("got %q, want %q", got, content)
		}

		roots, err := s.Roots(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(roots) != 1 || roots[0] != id {
			t.Fatalf("roots = %v, want [%d]", roots, id)
		}
	})
}

func TestGCSNativeDelta(t *testing.T) {
	withBucket(t, func(ctx context.Context, bucket *storage.BucketHandle) {
		s := New(bucket)

		base := []byte("gcs delta base")
		baseName := xfer.Name(hash.OneShot(hash.SHA3_256, base))
		baseID, err := s.Put(ctx, baseName, base, xfer.Zero, false)
		if err != nil {
			t.Fatal(err)
		}

		patch := []byte("gcs delta patch")
		patchName := xfer.Name(hash.OneShot(hash.SHA3_256, patch))
		patchID, err := s.Put(ctx, patchName, patch, baseID, false)
		if err != nil {
			t.Fatal(err)
		}

		src, got, ok, err := s.NativeDelta(ctx, patchID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok || src != baseID || string(got) != string(patch) {
			t.Fatalf("NativeDelta = (%d, %q, %v), want (%d, %q, true)", src, got, ok, baseID, patch)
		}
	})
}
