package submission

import "testing"

func TestComputeSummary(t *testing.T) {
	sections := []*Section{
		{Status: SectionDelivered},
		{Status: SectionAcknowledged},
		{Status: SectionPending},
		{Status: SectionSending},
		{Status: SectionFailed},
		{Status: SectionSkipped},
	}
	sum := ComputeSummary(sections)
	if sum.Total != 6 || sum.Delivered != 2 || sum.Pending != 2 || sum.Failed != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		sum  Summary
		want string
	}{
		{"all delivered", Summary{Total: 3, Delivered: 3}, StatusDelivered},
		{"delivered plus skipped", Summary{Total: 3, Delivered: 2, Skipped: 1}, StatusDelivered},
		{"two delivered one pending", Summary{Total: 3, Delivered: 2, Pending: 1}, StatusPartiallyDelivered},
		{"delivered and failed", Summary{Total: 2, Delivered: 1, Failed: 1}, StatusPartiallyDelivered},
		{"all failed", Summary{Total: 2, Failed: 2}, StatusFailed},
		{"no sections", Summary{}, StatusManualReview},
		{"nothing settled", Summary{Total: 2, Pending: 2}, StatusRouting},
		{"acknowledged counts as delivered", Summary{Total: 1, Delivered: 1}, StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.sum); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
