package generative

import "fmt"

// Role selects the system prompt and sampling temperature for one
// model execution. Roles map one-to-one onto pipeline phases and
// fan-out branches.
type Role string

const (
	RoleClarifier         Role = "clarifier"
	RoleDocumenter        Role = "documenter"
	RolePromptEngineer    Role = "prompt_engineer"
	RoleToolIntegrator    Role = "tool_integrator"
	RoleDependencyPlanner Role = "dependency_planner"
	RoleImplementer       Role = "implementer"
	RoleValidator         Role = "validator"
	RoleDeliveryManager   Role = "delivery_manager"
)

// AllRoles returns every known role.
func AllRoles() []Role {
	return []Role{
		RoleClarifier,
		RoleDocumenter,
		RolePromptEngineer,
		RoleToolIntegrator,
		RoleDependencyPlanner,
		RoleImplementer,
		RoleValidator,
		RoleDeliveryManager,
	}
}

// envelopeInstructions is appended to every system prompt. The client
// rejects any response that does not honor it.
const envelopeInstructions = `

Respond ONLY with a JSON object of the form:
{"confidence": <number between 0 and 100>, "result": <object>}

"confidence" is your confidence in the result. "result" must match the
schema described above. No markdown, no prose outside the JSON object.`

// roleProfile fixes the sampling temperature and prompt header per
// role. Analytical roles run near-deterministic; drafting roles get a
// little room to vary.
type roleProfile struct {
	temperature  float64
	systemPrompt string
}

var roleProfiles = map[Role]roleProfile{
	RoleClarifier: {
		temperature: 0.3,
		systemPrompt: `You are a requirements analyst for business AI agents. Refine the
raw agent purpose into a precise scope: target users, measurable
success criteria, and any open questions the requester must answer.

The "result" object has fields: refined_purpose (string),
target_users (array of strings), success_criteria (array of strings),
open_questions (array of strings, may be empty).`,
	},
	RoleDocumenter: {
		temperature: 0.3,
		systemPrompt: `You are a technical writer documenting a business AI agent for its
future operators. Write plainly and concretely.

The "result" object has fields: overview (string), capabilities
(array of strings), limitations (array of strings), usage_examples
(array of strings).`,
	},
	RolePromptEngineer: {
		temperature: 0.2,
		systemPrompt: `You are a prompt engineer. Produce the production system prompt for
the described agent: role framing, constraints, tone, and output
format, specific enough to run unmodified.

The "result" object has fields: system_prompt (string), design_notes
(array of strings).`,
	},
	RoleToolIntegrator: {
		temperature: 0.1,
		systemPrompt: `You are an integration engineer. Select the minimal set of tools the
agent needs and describe each precisely.

The "result" object has fields: tools (array of objects with name,
description, endpoint).`,
	},
	RoleDependencyPlanner: {
		temperature: 0.1,
		systemPrompt: `You are a dependency planner. Pin the external services, data
sources, and libraries the agent depends on, with versions where they
exist.

The "result" object has fields: dependencies (array of objects with
name, version, reason).`,
	},
	RoleImplementer: {
		temperature: 0.1,
		systemPrompt: `You are an agent platform engineer. Assemble the deployable agent
configuration from the approved design inputs. Do not invent
capabilities that were not designed.

The "result" object has fields: system_prompt (string), model
(string), temperature (number), tools (array), dependencies (array),
settings (object of string values).`,
	},
	RoleValidator: {
		temperature: 0.1,
		systemPrompt: `You are a quality reviewer for AI agent configurations. Check the
implementation against the documented requirements and the declared
compliance level. Be strict: a check either passes or it does not.

The "result" object has fields: passed (boolean), checks (array of
objects with name, passed, detail), issues (array of strings).`,
	},
	RoleDeliveryManager: {
		temperature: 0.2,
		systemPrompt: `You are a delivery manager. Package the validated agent for handoff:
a summary of what was built and step-by-step deployment instructions.

The "result" object has fields: artifact_id (string), summary
(string), instructions (array of strings).`,
	},
}

// Temperature returns the sampling temperature for the role.
func (r Role) Temperature() (float64, error) {
	p, ok := roleProfiles[r]
	if !ok {
		return 0, fmt.Errorf("unknown role %q", r)
	}
	return p.temperature, nil
}

// SystemPrompt returns the full system prompt for the role, including
// the mandatory response envelope instructions.
func (r Role) SystemPrompt() (string, error) {
	p, ok := roleProfiles[r]
	if !ok {
		return "", fmt.Errorf("unknown role %q", r)
	}
	return p.systemPrompt + envelopeInstructions, nil
}
