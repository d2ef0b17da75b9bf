package firehose_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFirehose(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Firehose Suite")
}
