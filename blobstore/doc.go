// Package blobstore abstracts durable storage for index backup archives.
//
// The local and in-memory implementations live here; an S3-compatible
// implementation backed by the MinIO client lives in the minio subpackage.
package blobstore
