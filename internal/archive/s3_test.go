package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ultrasonic-sim/internal/config"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveUploadsUnderPrefix(t *testing.T) {
	put := &fakePutter{}
	a := &S3Archiver{client: put, bucket: "results", prefix: "/simulations/"}

	loc, err := a.Archive(context.Background(), 12, "out_12.mat", []byte("MATLAB 5.0"))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if loc != "s3://results/simulations/12/out_12.mat" {
		t.Fatalf("unexpected location %s", loc)
	}
	if aws.ToString(put.in.Bucket) != "results" || aws.ToString(put.in.Key) != "simulations/12/out_12.mat" {
		t.Fatalf("unexpected put input bucket=%s key=%s", aws.ToString(put.in.Bucket), aws.ToString(put.in.Key))
	}
	if string(put.body) != "MATLAB 5.0" {
		t.Fatalf("unexpected body %q", put.body)
	}
}

func TestArchiveKeyStripsDirectories(t *testing.T) {
	a := &S3Archiver{bucket: "b"}
	if got := a.key(3, "../../etc/out.mat"); got != "3/out.mat" {
		t.Fatalf("key = %s", got)
	}
}

func TestArchiveWrapsPutError(t *testing.T) {
	boom := errors.New("access denied")
	a := &S3Archiver{client: &fakePutter{err: boom}, bucket: "b", prefix: "p"}
	if _, err := a.Archive(context.Background(), 1, "x.mat", nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewS3ArchiverDisabledWithoutBucket(t *testing.T) {
	a, err := NewS3Archiver(context.Background(), config.Config{})
	if err != nil || a != nil {
		t.Fatalf("expected nil archiver, got %v %v", a, err)
	}
}
