package validators

import (
	"context"
	"slices"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// Fintech validator names.
const (
	PSD2SCAName      = "PSD2SCAValidator"
	PSD2LimitName    = "PSD2LimitValidator"
	BeneficiaryName  = "BeneficiaryValidator"
	AMLThresholdName = "AMLThresholdValidator"
	AMLRiskScoreName = "AMLRiskScoreValidator"
)

const (
	citeSCA           = "PSD2 RTS (EU) 2018/389 Art. 97"
	citeAutonomyLimit = "Internal Policy - Autonomous Operation Limits"
	citePaymentOrder  = "PSD2 - Payment Order Requirements"
	citeFraud         = "Internal Policy - Fraud Prevention"
	citeAML           = "EU Directive 2018/843 (5AMLD) Art. 11, 13"
	citeSanctions     = "EU Regulation 269/2014, OFAC Sanctions"
)

var paymentVerbs = []string{"initiate_payment", "approve_payment", "execute_transfer"}

func isPayment(a contracts.ActionPrimitive) bool {
	return slices.Contains(paymentVerbs, a.Verb)
}

// PSD2SCA requires strong customer authentication above a threshold.
type PSD2SCA struct {
	ThresholdEUR float64
	ExemptTypes  []string
}

// NewPSD2SCA returns the validator with the 30 EUR contactless threshold.
func NewPSD2SCA() Validator {
	v := PSD2SCA{ThresholdEUR: 30, ExemptTypes: []string{"inquiry", "balance_check", "card_validation"}}
	return New(PSD2SCAName, DefaultTimeout, v.Check)
}

// Check implements Rule.
func (v PSD2SCA) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if !isPayment(a) {
		return NotApplicable(), nil
	}
	txType := a.String("transaction_type", "payment")
	if slices.Contains(v.ExemptTypes, txType) {
		return Pass("SCA exemption: %s transactions", txType), nil
	}
	if a.Float("amount", 0) > v.ThresholdEUR && !a.Bool("sca_completed", false) {
		return Fail(citeSCA, "SCA required for amounts >EUR %g", v.ThresholdEUR), nil
	}
	return Pass("PSD2 SCA compliance verified"), nil
}

// PSD2Limit caps the amount an agent may move without human approval.
type PSD2Limit struct {
	LimitEUR float64
}

// NewPSD2Limit returns the validator with the 1000 EUR autonomous limit.
func NewPSD2Limit() Validator {
	v := PSD2Limit{LimitEUR: 1000}
	return New(PSD2LimitName, DefaultTimeout, v.Check)
}

// Check implements Rule.
func (v PSD2Limit) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if !isPayment(a) {
		return NotApplicable(), nil
	}
	if amount := a.Float("amount", 0); amount > v.LimitEUR {
		return Fail(citeAutonomyLimit,
			"Amount exceeds autonomous limit (EUR %g) by EUR %g", v.LimitEUR, amount-v.LimitEUR), nil
	}
	return Pass("Amount within autonomous operation limits"), nil
}

// Beneficiary admits only pre-approved payees.
type Beneficiary struct {
	Whitelist []string
}

// NewBeneficiary returns the validator. An empty whitelist accepts any payee
// that carries an IBAN.
func NewBeneficiary(whitelist ...string) Validator {
	v := Beneficiary{Whitelist: whitelist}
	return New(BeneficiaryName, DefaultTimeout, v.Check)
}

// Check implements Rule.
func (v Beneficiary) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if !isPayment(a) {
		return NotApplicable(), nil
	}
	if a.Bool("beneficiary_whitelisted", false) {
		return Pass("Beneficiary is pre-approved (whitelisted)"), nil
	}
	iban := a.String("beneficiary_iban", "")
	if iban == "" {
		return Fail(citePaymentOrder, "Beneficiary IBAN not provided"), nil
	}
	whitelist := v.Whitelist
	if extra := a.Strings("whitelist"); len(extra) > 0 {
		whitelist = append(slices.Clone(whitelist), extra...)
	}
	if len(whitelist) > 0 && !slices.Contains(whitelist, iban) {
		return Fail(citeFraud, "Beneficiary not in approved whitelist"), nil
	}
	return Pass("Beneficiary validation passed"), nil
}

// AMLThreshold applies enhanced due diligence thresholds by customer risk.
type AMLThreshold struct {
	StandardEUR float64
	HighRiskEUR float64
}

// NewAMLThreshold returns the validator with 5AMLD thresholds.
func NewAMLThreshold() Validator {
	v := AMLThreshold{StandardEUR: 10000, HighRiskEUR: 5000}
	return New(AMLThresholdName, DefaultTimeout, v.Check)
}

// Check implements Rule.
func (v AMLThreshold) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if !isPayment(a) {
		return NotApplicable(), nil
	}
	risk := a.String("customer_risk_level", "standard")
	threshold, category := v.StandardEUR, "standard customer"
	if risk == "high_risk" || risk == "pep" {
		threshold, category = v.HighRiskEUR, "high-risk customer"
	}
	if a.Float("amount", 0) > threshold {
		return Fail(citeAML, "AML threshold exceeded for %s (EUR %g)", category, threshold), nil
	}
	return Pass("AML threshold compliant (%s)", category), nil
}

// AMLRiskScore blocks sanctioned counterparties and high risk scores.
type AMLRiskScore struct {
	HighThreshold float64
}

// NewAMLRiskScore returns the validator with a 0.8 high-risk cutoff.
func NewAMLRiskScore() Validator {
	v := AMLRiskScore{HighThreshold: 0.8}
	return New(AMLRiskScoreName, DefaultTimeout, v.Check)
}

// Check implements Rule.
func (v AMLRiskScore) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if !isPayment(a) {
		return NotApplicable(), nil
	}
	if a.Bool("sanctions_match", false) {
		return Fail(citeSanctions, "Sanctions list match detected"), nil
	}
	score := a.Float("risk_score", 0)
	if score >= v.HighThreshold {
		return Fail(citeAML, "High AML risk score (%.2f)", score), nil
	}
	return Pass("Low AML risk score (%.2f)", score), nil
}
