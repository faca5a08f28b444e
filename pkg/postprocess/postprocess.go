// Package postprocess implements the post-processor (component C7):
// relocating a job's named outputs to a remote target after success.
package postprocess

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/types"
)

// Writer is the subset of fileprep.Preparer the post-processor needs.
type Writer interface {
	WriteS3(endpoint, bucket, local, remote string) error
	WriteSCP(local, host, path string) error
}

// Apply runs every post directive against result in place, returning
// the mutated result. Missing output keys and malformed directives
// are logged and skipped, never fatal to the job.
func Apply(w Writer, directives []types.PostDirective, result map[string]any) map[string]any {
	logger := log.WithComponent("postprocess")
	for _, d := range directives {
		if d.Output == "" {
			logger.Warn().Msg("bad postprocess definition, missing specifier (should be 'output')")
			continue
		}
		val, ok := result[d.Output]
		if !ok {
			logger.Error().Str("output", d.Output).Msg("postprocess requested on output param not returned by handler")
			continue
		}
		switch v := val.(type) {
		case []any:
			newList := make([]any, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					newList = append(newList, item)
					continue
				}
				target, err := relocate(w, d, s)
				if err != nil {
					logger.Error().Err(err).Str("output", d.Output).Msg("postprocess upload failed")
					newList = append(newList, s)
					continue
				}
				newList = append(newList, target)
			}
			result[d.Output] = newList
		case string:
			target, err := relocate(w, d, v)
			if err != nil {
				logger.Error().Err(err).Str("output", d.Output).Msg("postprocess upload failed")
				continue
			}
			result[d.Output] = target
		default:
			logger.Warn().Str("output", d.Output).Msg("postprocess output is neither string nor list, skipping")
		}
	}
	return result
}

// relocate uploads the local file named by localValue (or, for a
// basename directive, just its filename appended to target) and
// returns the resulting target URI.
func relocate(w Writer, d types.PostDirective, localValue string) (string, error) {
	var targetURI string
	if d.Basename {
		targetURI = d.Target + path.Base(localValue)
	} else {
		targetURI = d.Target + localValue
	}

	u, err := url.Parse(targetURI)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", targetURI, err)
	}

	switch u.Scheme {
	case "s3":
		// s3://bucket/key-prefix... : the URI host is the bucket, the
		// remaining path is the object key; no separate endpoint host
		// is implied unless the caller configures one out of band.
		bucket := u.Host
		remoteFile := strings.TrimPrefix(u.Path, "/")
		if err := w.WriteS3("", bucket, localValue, remoteFile); err != nil {
			return "", err
		}
	case "ssh":
		host := u.Host
		if u.User != nil {
			host = u.User.Username() + "@" + host
		}
		if err := w.WriteSCP(localValue, host, u.Path); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unsupported post-process target scheme %q", u.Scheme)
	}

	if d.Remove {
		if err := os.Remove(localValue); err != nil {
			log.WithComponent("postprocess").Warn().Err(err).Str("file", localValue).Msg("failed to remove local file after upload")
		}
	}
	return targetURI, nil
}
