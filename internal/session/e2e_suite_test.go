package session_test

import (
	"net/http/httptest"
	"os"
	"testing"

	"github.com/joho/godotenv"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JingHuan921/secondhalf-coding/internal/devserver"
	"github.com/JingHuan921/secondhalf-coding/internal/transport"
)

var (
	backend       *devserver.Server
	backendHTTP   *httptest.Server
	transportKind transport.Kind
)

func TestSessionE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session E2E Suite")
}

var _ = BeforeSuite(func() {
	_ = godotenv.Load("../../.env")

	transportKind = transport.KindSSE
	if kind := os.Getenv("REQFLOW_E2E_TRANSPORT"); kind != "" {
		transportKind = transport.Kind(kind)
	}

	script, err := devserver.ParseScript([]byte(e2eScript))
	Expect(err).NotTo(HaveOccurred())

	backend = devserver.New(&devserver.Config{Script: script})
	backendHTTP = httptest.NewServer(backend.Router())
})

var _ = AfterSuite(func() {
	if backend != nil {
		backend.Close()
	}
	if backendHTTP != nil {
		backendHTTP.Close()
	}
})

const e2eScript = `
start: classify
segments:
  classify:
    steps:
      - event: {status: processing}
      - event: {chat_type: conversation, agent: Analyst, content: Classifying requirements}
      - event:
          chat_type: artifact
          artifact_id: req-1
          artifact_type: requirements_classification
          agent: Analyst
          content: {functional: [login]}
      - event: {status: completed}
      - event: {chat_type: interrupt, status: waiting_for_user_input, message: Choose the next step}
    next:
      write_req_specs: specs
      write_system_requirement: flaky
  specs:
    steps:
      - event: {chat_type: conversation, agent: Archivist, content: Drafting the specification}
      - event: {chat_type: artifact, artifact_id: srs, agent: Archivist, content: {title: SRS}}
      - event: {status: artifact_feedback_required, pending_artifact_id: srs}
    next:
      accept: route
      feedback: specs
  flaky:
    steps:
      - event: {chat_type: artifact, artifact_id: sys-1, content: {n: 1}}
      - drop: true
      - event: {chat_type: artifact, artifact_id: sys-2, content: {n: 2}}
      - event: {chat_type: interrupt, message: "Next?"}
    next:
      write_req_specs: specs
  route:
    steps:
      - event: {chat_type: interrupt, message: "Anything else?"}
`
