package config_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/pflag"

	"github.com/saranblock3/homad/internal/config"
)

var _ = Describe("Defaults", func() {
	It("matches spec.md §6's documented constants", func() {
		d := config.Defaults()
		Expect(d.SocketPath).To(Equal("/tmp/homa.sock"))
		Expect(d.DatagramPayloadLength).To(Equal(1400))
		Expect(d.UnscheduledDatagramLimit).To(Equal(6))
		Expect(d.Timeout).To(Equal(15 * time.Millisecond))
		Expect(d.LargeTimeout).To(Equal(10 * time.Second))
		Expect(d.Resends).To(Equal(5))
		Expect(d.LargeResends).To(Equal(20))
		Expect(d.UnscheduledPriorityLevels).To(Equal(6))
		Expect(d.ScheduledPriorityLevels).To(Equal(2))
	})

	It("passes its own validation", func() {
		Expect(config.Defaults().Validate()).To(Succeed())
	})
})

var _ = Describe("Load", func() {
	var fs *pflag.FlagSet

	BeforeEach(func() {
		fs = pflag.NewFlagSet("homad", pflag.ContinueOnError)
		config.BindFlags(fs)
	})

	It("falls back to Defaults() for anything unset on the command line", func() {
		Expect(fs.Parse(nil)).To(Succeed())
		cfg, err := config.Load(fs)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg).To(Equal(config.Defaults()))
	})

	It("honors an explicit flag value over the default", func() {
		Expect(fs.Parse([]string{"--datagram-payload-length=900"})).To(Succeed())
		cfg, err := config.Load(fs)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.DatagramPayloadLength).To(Equal(900))
	})

	It("rejects a payload length over the 1400 byte ceiling", func() {
		Expect(fs.Parse([]string{"--datagram-payload-length=1500"})).To(Succeed())
		_, err := config.Load(fs)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a zero timeout", func() {
		Expect(fs.Parse([]string{"--timeout=0s"})).To(Succeed())
		_, err := config.Load(fs)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an empty socket path", func() {
		Expect(fs.Parse([]string{"--socket-path="})).To(Succeed())
		_, err := config.Load(fs)
		Expect(err).To(HaveOccurred())
	})
})
