package bdd

import (
	"context"
	"fmt"

	"github.com/chirino/conversation-service/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		o := &outboxSteps{s: s}
		ctx.Step(`^the outbox should hold (\d+) "([^"]*)" tasks?$`, o.theOutboxShouldHold)
	})
}

type outboxSteps struct {
	s *cucumber.TestScenario
}

func (o *outboxSteps) theOutboxShouldHold(expected int, taskType string) error {
	n, err := o.s.Suite.DB.CountTasks(context.Background(), taskType)
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("expected %d %q tasks in the outbox, found %d", expected, taskType, n)
	}
	return nil
}
