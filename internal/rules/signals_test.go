package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/titration-sim/internal/titration"
)

func TestSentences(t *testing.T) {
	got := Sentences("Take 12.5 mg tonight. Then call me!\nThanks; bye")
	assert.Equal(t, []string{"Take 12.5 mg tonight", "Then call me", "Thanks", "bye"}, got)
}

func TestIsRefusal(t *testing.T) {
	refusals := []string{
		"I won't take that new pill.",
		"Honestly I'm not going to increase anything.",
		"I stopped taking the spironolactone last week.",
		"No way, absolutely not.",
		"I'm not comfortable with a higher dose.",
		"I don't want to change my pills again.",
		"I won't do that.",
	}
	for _, r := range refusals {
		assert.True(t, IsRefusal(r), r)
	}

	fine := []string{
		"Okay, I'll take it with breakfast.",
		"I have been taking it every day.",
		"Sure, that sounds fine.",
		"I won't miss a dose, I promise.",
		"I don't want to miss any more doses.",
		"I'm not going to forget again, I set an alarm.",
		"I will not skip my evening pill.",
	}
	for _, f := range fine {
		assert.False(t, IsRefusal(f), f)
	}
}

func TestIsRecommendationAndClosure(t *testing.T) {
	assert.True(t, IsRecommendation("The plan is to increase carvedilol to 12.5 mg twice daily."))
	assert.True(t, IsRecommendation("Please continue losartan 50 mg daily."))
	assert.False(t, IsRecommendation("How have you been feeling this week?"))
	assert.False(t, IsRecommendation("Your blood pressure of 118/72 looks good."))

	assert.True(t, IsClosure("Take care and talk to you next week!"))
	assert.True(t, IsClosure("Have a great day."))
	assert.False(t, IsClosure("Can you tell me your weight?"))
}

func TestIsEscalation(t *testing.T) {
	assert.True(t, IsEscalation("Please call 911 now."))
	assert.True(t, IsEscalation("Go to the ER right away."))
	assert.True(t, IsEscalation("Call your doctor immediately if that happens."))
	assert.False(t, IsEscalation("We'll check your labs next week."))
}

func TestRefusalCount_Window(t *testing.T) {
	ts := turns(
		"Let's raise your dose.",
		"I won't take more pills.",
		"I understand. Can we talk about why?",
		"Fine.",
		"It would help your heart.",
		"Fine.",
		"Even a small step?",
		"I refuse to change anything.",
	)
	assert.Equal(t, 1, RefusalCount(ts, 6))
	assert.Equal(t, 2, RefusalCount(ts, 8))
	assert.Equal(t, 2, RefusalCount(ts, 100))
}

func TestRecommendationMade(t *testing.T) {
	assert.False(t, RecommendationMade(turns("Hi there!", "Hi, I'm fine.")))
	assert.True(t, RecommendationMade(turns("Hi there!", "I'm fine.", "I recommend increasing lisinopril to 20 mg.")))
	assert.False(t, RecommendationMade([]titration.Turn{{Speaker: titration.RolePatient, Text: "Should I increase to 20 mg?"}}))
}

func TestReportedVitals(t *testing.T) {
	v := ReportedVitals("My BP was 102/64 this morning, pulse 58, and my oxygen is 93%. Still on Entresto 24/26 mg.")
	assert.Equal(t, 102, v.Systolic)
	assert.Equal(t, 64, v.Diastolic)
	assert.Equal(t, 58, v.HeartRate)
	assert.Equal(t, 93.0, v.OxygenSaturation)

	v = ReportedVitals("Entresto 49/51 mg twice a day")
	assert.Zero(t, v.Systolic)

	v = ReportedVitals("Heart rate is 48 bpm and potassium came back 5.8")
	assert.Equal(t, 48, v.HeartRate)
	assert.Equal(t, 5.8, v.Potassium)
}
