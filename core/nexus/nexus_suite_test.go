package nexus_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestNexus(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Nexus Suite")
}
