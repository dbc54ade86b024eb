package session

// Step is one screen of the subscription workflow.
type Step int

const (
	StepCustomer Step = iota
	StepPackage
	StepPlan
	StepPreview
	StepPayment
	StepVehicle
	StepBattery
	StepSuccess
)

func (s Step) String() string {
	switch s {
	case StepCustomer:
		return "customer"
	case StepPackage:
		return "package"
	case StepPlan:
		return "plan"
	case StepPreview:
		return "preview"
	case StepPayment:
		return "payment"
	case StepVehicle:
		return "vehicle"
	case StepBattery:
		return "battery"
	case StepSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// Flow is the ordered step sequence of one workflow variant. The last step is
// always the terminal success step.
type Flow []Step

var (
	// StandardFlow is a new subscription without a vehicle binding.
	StandardFlow = Flow{StepCustomer, StepPackage, StepPlan, StepPreview, StepPayment, StepBattery, StepSuccess}

	// VehicleFlow additionally binds a vehicle before the battery is assigned.
	VehicleFlow = Flow{StepCustomer, StepPackage, StepPlan, StepPreview, StepPayment, StepVehicle, StepBattery, StepSuccess}

	// RenewalFlow skips the customer and package screens for an existing
	// customer renewing a plan.
	RenewalFlow = Flow{StepPlan, StepPreview, StepPayment, StepBattery, StepSuccess}
)

// index returns the position of step in the flow.
func (f Flow) index(step Step) (int, bool) {
	for i, s := range f {
		if s == step {
			return i, true
		}
	}
	return 0, false
}

// Terminal returns the flow's final step.
func (f Flow) Terminal() Step {
	return f[len(f)-1]
}
