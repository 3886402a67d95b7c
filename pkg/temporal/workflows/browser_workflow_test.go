package workflows

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"dev/bravebird/browser-flow-go/pkg/models"
	"dev/bravebird/browser-flow-go/pkg/temporal/activities"
)

type WorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env  *testsuite.TestWorkflowEnvironment
	acts *activities.Activities
}

func TestWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(WorkflowTestSuite))
}

func (s *WorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.acts = &activities.Activities{}
	s.env.RegisterActivity(s.acts)
}

func (s *WorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func input() models.FlowInput {
	return models.FlowInput{
		RunID:   "run-1",
		Profile: "recruiter",
		Target:  models.NavigationTarget{URL: "https://www.linkedin.com/jobs/"},
		Timeout: 60,
	}
}

func (s *WorkflowTestSuite) Test_Success() {
	flowResult := models.FlowResult{
		SessionID:  "sess-1",
		Status:     models.StatusSuccess,
		FinalState: models.StateComplete,
	}
	s.env.OnActivity(s.acts.RunFlowActivity, mock.Anything, input()).Return(flowResult, nil).Once()
	s.env.OnActivity(s.acts.RecordResultActivity, mock.Anything, mock.MatchedBy(func(r models.FlowResult) bool {
		return r.RunID == "run-1" && r.Status == models.StatusSuccess
	})).Return(nil).Once()

	s.env.ExecuteWorkflow(LoginNavigateWorkflow, input())

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
	var result models.FlowResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal(models.StatusSuccess, result.Status)
	s.Equal("run-1", result.RunID)
	s.Equal("sess-1", result.SessionID)

	val, err := s.env.QueryWorkflow(ProgressQuery)
	s.NoError(err)
	var progress models.FlowResult
	s.NoError(val.Get(&progress))
	s.Equal(models.StatusSuccess, progress.Status)
}

func (s *WorkflowTestSuite) Test_FlowFailureIsNotRetried() {
	flowResult := models.FlowResult{
		Status:     models.StatusFailed,
		FinalState: models.StateFailed,
		FailedStep: "authenticate",
		ErrorKind:  "authentication_failed",
	}
	s.env.OnActivity(s.acts.RunFlowActivity, mock.Anything, mock.Anything).Return(flowResult, nil).Once()
	s.env.OnActivity(s.acts.RecordResultActivity, mock.Anything, mock.Anything).Return(nil).Once()

	s.env.ExecuteWorkflow(LoginNavigateWorkflow, input())

	var result models.FlowResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal(models.StatusFailed, result.Status)
	s.Equal("authentication_failed", result.ErrorKind)
}

func (s *WorkflowTestSuite) Test_ActivityErrorRunsOnce() {
	s.env.OnActivity(s.acts.RunFlowActivity, mock.Anything, mock.Anything).
		Return(models.FlowResult{}, temporal.NewApplicationError("browser died", activities.ErrTypeDriver)).
		Once()
	s.env.OnActivity(s.acts.RecordResultActivity, mock.Anything, mock.MatchedBy(func(r models.FlowResult) bool {
		return r.Status == models.StatusFailed && r.ErrorKind == activities.ErrTypeDriver
	})).Return(nil).Once()

	s.env.ExecuteWorkflow(LoginNavigateWorkflow, input())

	var result models.FlowResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal(models.StatusFailed, result.Status)
	s.Contains(result.ErrorMessage, "browser died")
}

func (s *WorkflowTestSuite) Test_RecordFailureDoesNotFailRun() {
	s.env.OnActivity(s.acts.RunFlowActivity, mock.Anything, mock.Anything).
		Return(models.FlowResult{Status: models.StatusSuccess, FinalState: models.StateComplete}, nil)
	s.env.OnActivity(s.acts.RecordResultActivity, mock.Anything, mock.Anything).
		Return(temporal.NewNonRetryableApplicationError("db down", "StoreError", nil))

	s.env.ExecuteWorkflow(LoginNavigateWorkflow, input())

	var result models.FlowResult
	s.NoError(s.env.GetWorkflowResult(&result))
	s.Equal(models.StatusSuccess, result.Status)
}
