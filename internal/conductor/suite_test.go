package conductor

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// TestConductorScenarios is the entry point for the end-to-end lifecycle
// specs. They run entirely in process against the memory store and the fake
// drivers.
func TestConductorScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Conductor Scenario Suite")
}

var _ = BeforeSuite(func() {
	logf.SetLogger(zap.New(zap.WriteTo(GinkgoWriter), zap.UseDevMode(true)))
})
