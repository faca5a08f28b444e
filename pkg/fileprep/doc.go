/*
Package fileprep implements the File Preparer (component C3): turning
a job argument like "copy s3://bucket/key" into a local path before a
handler ever sees it, and the inverse — uploading a handler's output to
a remote target after the job succeeds (used by pkg/postprocess).

Supported verbs are copy, unzip, and mkdir; supported input schemes are
s3, ssh/scp, http(s), and a bare local path. Any failure aborts the
whole Fix call — spec §4.3 does not ask for partial retries at this
layer.
*/
package fileprep
