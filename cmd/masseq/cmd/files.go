package cmd

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
)

var registerOnce sync.Once

// registerFiles makes s3:// paths usable through base/file. Credentials come
// from the usual AWS environment and config files.
func registerFiles() {
	registerOnce.Do(func() {
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(
				s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
		})
	})
}
